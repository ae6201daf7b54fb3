package fetch

import (
	"fmt"
	"testing"

	"Kestrel/internal/bls"
	"Kestrel/internal/dag"
	"Kestrel/internal/types"
)

// testAuthor creates a deterministic author from a single byte.
func testAuthor(n byte) types.Author {
	var a types.Author
	a[0] = n
	return a
}

// newSigningValidators builds a validator set with real BLS keys so
// fetched certificates verify end to end.
func newSigningValidators(t *testing.T, count int) (*types.ValidatorSet, []*bls.KeyPair) {
	t.Helper()

	members := make([]types.ValidatorInfo, count)
	keys := make([]*bls.KeyPair, count)
	for i := range members {
		seed := make([]byte, 32)
		copy(seed, fmt.Sprintf("fetch-test-seed-%d", i))

		kp, err := bls.GenerateFromSeed(seed)
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		keys[i] = kp
		members[i] = types.ValidatorInfo{
			Author:       testAuthor(byte(i + 1)),
			Weight:       1,
			BLSPublicKey: kp.PublicKeyBytes(),
		}
	}

	vs, err := types.NewValidatorSet(members)
	if err != nil {
		t.Fatalf("failed to build validator set: %v", err)
	}

	return vs, keys
}

func makeNode(round types.Round, author types.Author, parents []types.Hash, payload []byte) *dag.Node {
	n := &dag.Node{
		Meta: dag.NodeMeta{
			Epoch:  1,
			Round:  round,
			Author: author,
		},
		Parents: parents,
		Payload: payload,
	}
	n.Meta.Digest = n.ComputeDigest()

	return n
}

// certify signs the node with every key and wraps it in a quorum
// certificate naming all of them.
func certify(t *testing.T, keys []*bls.KeyPair, n *dag.Node) *dag.CertifiedNode {
	t.Helper()

	sigs := make([][]byte, len(keys))
	indices := make([]int, len(keys))
	for i, kp := range keys {
		sigs[i] = kp.Sign(n.Meta.Digest[:])
		indices[i] = i
	}

	agg, err := bls.AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("failed to aggregate signatures: %v", err)
	}

	return &dag.CertifiedNode{
		Node: *n,
		Cert: dag.QuorumCert{
			AggSig:       agg,
			SignerBitmap: bls.BuildSignerBitmap(indices, len(keys)),
		},
	}
}

// testGraph is a small certified DAG shared by the fetch tests:
// a full round 0, three round 1 nodes by the first three authors, and a
// single round 2 tip linking to all of round 1.
type testGraph struct {
	validators *types.ValidatorSet
	keys       []*bls.KeyPair
	round0     []*dag.CertifiedNode
	round1     []*dag.CertifiedNode
	tip        *dag.CertifiedNode
}

func buildTestGraph(t *testing.T) *testGraph {
	t.Helper()

	vs, keys := newSigningValidators(t, 4)
	g := &testGraph{validators: vs, keys: keys}

	var round0Digests []types.Hash
	for _, author := range vs.OrderedAuthors() {
		cn := certify(t, keys, makeNode(0, author, nil, []byte("genesis")))
		g.round0 = append(g.round0, cn)
		round0Digests = append(round0Digests, cn.Node.Meta.Digest)
	}

	var round1Digests []types.Hash
	for _, author := range vs.OrderedAuthors()[:3] {
		cn := certify(t, keys, makeNode(1, author, round0Digests[:3], nil))
		g.round1 = append(g.round1, cn)
		round1Digests = append(round1Digests, cn.Node.Meta.Digest)
	}

	g.tip = certify(t, keys, makeNode(2, testAuthor(1), round1Digests, []byte("tip")))

	return g
}

// populate adds the whole graph to a store, parents first.
func (g *testGraph) populate(t *testing.T, s *dag.Store) {
	t.Helper()

	for _, cn := range g.round0 {
		if err := s.AddNode(cn); err != nil {
			t.Fatalf("AddNode round 0 failed: %v", err)
		}
	}
	for _, cn := range g.round1 {
		if err := s.AddNode(cn); err != nil {
			t.Fatalf("AddNode round 1 failed: %v", err)
		}
	}
	if err := s.AddNode(g.tip); err != nil {
		t.Fatalf("AddNode tip failed: %v", err)
	}
}

func digests(nodes []*dag.CertifiedNode) []types.Hash {
	out := make([]types.Hash, len(nodes))
	for i, cn := range nodes {
		out[i] = cn.Node.Meta.Digest
	}
	return out
}
