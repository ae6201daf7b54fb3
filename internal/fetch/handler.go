package fetch

import (
	"errors"
	"fmt"

	"Kestrel/internal/dag"
)

var (
	// ErrGarbageCollected rejects requests reaching below the local
	// window floor; pruned rounds cannot be served completely.
	ErrGarbageCollected = errors.New("requested window already garbage collected")

	// ErrTargetsMissing rejects requests for digests this node does not
	// hold. The requester falls back to another responder.
	ErrTargetsMissing = errors.New("requested targets missing locally")
)

// Handler serves fetch requests from the local DAG.
type Handler struct {
	store *dag.Store
}

// NewHandler creates a handler backed by the given store.
func NewHandler(store *dag.Store) *Handler {
	return &Handler{store: store}
}

// Process answers one fetch request with every node reachable from its
// targets that the requester does not already hold. Requests the local
// window cannot serve completely are rejected outright.
func (h *Handler) Process(req *RemoteFetchRequest) (*FetchResponse, error) {
	if req.Epoch != h.store.Epoch() {
		return nil, fmt.Errorf("request epoch %d, local epoch %d: %w",
			req.Epoch, h.store.Epoch(), dag.ErrWrongEpoch)
	}
	if req.Exists == nil || len(req.Targets) == 0 {
		return nil, errors.New("malformed fetch request")
	}

	if floor := h.store.LowestRound(); req.Exists.FirstRound < floor {
		return nil, fmt.Errorf("window starts at round %d, floor is %d: %w",
			req.Exists.FirstRound, floor, ErrGarbageCollected)
	}

	if missing := h.store.FilterMissing(req.Targets); len(missing) > 0 {
		return nil, fmt.Errorf("%d of %d targets: %w",
			len(missing), len(req.Targets), ErrTargetsMissing)
	}

	return &FetchResponse{
		Epoch:          req.Epoch,
		CertifiedNodes: h.store.Reachable(req.Targets, req.Exists),
	}, nil
}
