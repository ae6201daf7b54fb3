package fetch

import (
	"fmt"

	"Kestrel/internal/bls"
	"Kestrel/internal/dag"
	"Kestrel/internal/types"
)

// RemoteFetchRequest asks a peer for the causal history of missing DAG
// nodes. Targets are the digests the requester lacks; Exists marks every
// position it already holds in the window ending at the targets' round,
// so the responder can strip nodes the requester would discard anyway.
type RemoteFetchRequest struct {
	Epoch   uint64
	Targets []types.Hash
	Exists  *dag.Bitmask
}

// TargetRound returns the round the requested digests live at.
func (r *RemoteFetchRequest) TargetRound() types.Round {
	return r.Exists.LastRound()
}

// FetchResponse carries the certified nodes a responder found, ordered
// newest round first. Receivers apply it back to front so every node
// meets its parents already in place.
type FetchResponse struct {
	Epoch          uint64
	CertifiedNodes []*dag.CertifiedNode
}

// Verify checks the response against the request it answers: matching
// epoch, full target coverage, and a valid quorum certificate on every
// node. A response failing any check is discarded and the responder
// counts as failed.
func (r *FetchResponse) Verify(req *RemoteFetchRequest, validators *types.ValidatorSet) error {
	if r.Epoch != req.Epoch {
		return fmt.Errorf("response epoch %d, requested %d", r.Epoch, req.Epoch)
	}

	present := make(map[types.Hash]bool, len(r.CertifiedNodes))
	for _, cn := range r.CertifiedNodes {
		meta := cn.Node.Meta
		if cn.Node.ComputeDigest() != meta.Digest {
			return fmt.Errorf("node %s digest mismatch", meta)
		}
		if err := verifyCert(cn, validators); err != nil {
			return fmt.Errorf("node %s: %w", meta, err)
		}
		present[meta.Digest] = true
	}

	for _, target := range req.Targets {
		if !present[target] {
			return fmt.Errorf("target %s not covered", target.Short())
		}
	}

	return nil
}

// verifyCert checks a node's quorum certificate: the signers named in
// the bitmap must reach quorum weight and their aggregate signature
// must cover the node digest.
func verifyCert(cn *dag.CertifiedNode, validators *types.ValidatorSet) error {
	indices := bls.ParseSignerBitmap(cn.Cert.SignerBitmap)
	if weight := validators.SubsetWeight(indices); weight < validators.QuorumWeight() {
		return fmt.Errorf("certificate weight %d of %d", weight, validators.QuorumWeight())
	}

	keys := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		author, ok := validators.AuthorAt(idx)
		if !ok {
			return fmt.Errorf("certificate names validator %d, set has %d", idx, validators.Len())
		}
		keys = append(keys, validators.Get(author).BLSPublicKey)
	}

	digest := cn.Node.Meta.Digest
	if !bls.VerifyAggregated(cn.Cert.AggSig, digest[:], keys) {
		return fmt.Errorf("certificate signature invalid")
	}

	return nil
}
