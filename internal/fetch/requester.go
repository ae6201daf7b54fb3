package fetch

import (
	"errors"

	"Kestrel/internal/bls"
	"Kestrel/internal/dag"
	"Kestrel/internal/types"
)

// ErrStopped is returned when a request reaches the service after it
// shut down.
var ErrStopped = errors.New("fetch service stopped")

// LocalFetchRequest asks the fetch service to pull the missing parents
// of one node from peers expected to hold them.
type LocalFetchRequest struct {
	meta    dag.NodeMeta
	parents []types.Hash
	signers []byte // certificate signer bitmap, nil for an uncertified node
	done    chan error
}

// NewNodeRequest builds a request for an uncertified node. Only its
// author is known to hold the history.
func NewNodeRequest(node *dag.Node) *LocalFetchRequest {
	return &LocalFetchRequest{
		meta:    node.Meta,
		parents: node.Parents,
		done:    make(chan error, 1),
	}
}

// NewCertifiedNodeRequest builds a request for a certified node. Every
// signer of its certificate vouched for the history and can serve it.
func NewCertifiedNodeRequest(cn *dag.CertifiedNode) *LocalFetchRequest {
	return &LocalFetchRequest{
		meta:    cn.Node.Meta,
		parents: cn.Node.Parents,
		signers: cn.Cert.SignerBitmap,
		done:    make(chan error, 1),
	}
}

// Done delivers the fetch outcome exactly once.
func (r *LocalFetchRequest) Done() <-chan error {
	return r.done
}

// Responders lists the peers to contact, most likely holder first.
func (r *LocalFetchRequest) Responders(validators *types.ValidatorSet) []types.Author {
	if r.signers == nil {
		return []types.Author{r.meta.Author}
	}

	indices := bls.ParseSignerBitmap(r.signers)
	authors := make([]types.Author, 0, len(indices))
	for _, idx := range indices {
		if author, ok := validators.AuthorAt(idx); ok {
			authors = append(authors, author)
		}
	}

	return authors
}

// notify resolves the request. Extra calls are dropped so a request
// resolves at most once.
func (r *LocalFetchRequest) notify(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// Requester hands fetch requests to the service loop. The queue is
// bounded; enqueueing blocks while the service is saturated.
type Requester struct {
	requests chan<- *LocalFetchRequest
	stopped  <-chan struct{}
}

// RequestForNode asks for the missing parents of an uncertified node.
// The returned channel delivers the outcome exactly once; on failure the
// caller decides whether to re-issue.
func (r *Requester) RequestForNode(node *dag.Node) (<-chan error, error) {
	return r.enqueue(NewNodeRequest(node))
}

// RequestForCertifiedNode asks for the missing parents of a certified
// node, using its certificate signers as responders.
func (r *Requester) RequestForCertifiedNode(cn *dag.CertifiedNode) (<-chan error, error) {
	return r.enqueue(NewCertifiedNodeRequest(cn))
}

func (r *Requester) enqueue(req *LocalFetchRequest) (<-chan error, error) {
	// Checked first so a stopped service rejects even when the queue
	// still has room.
	select {
	case <-r.stopped:
		return nil, ErrStopped
	default:
	}

	select {
	case r.requests <- req:
		return req.done, nil
	case <-r.stopped:
		return nil, ErrStopped
	}
}
