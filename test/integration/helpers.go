package integration

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"Kestrel/internal/bls"
	"Kestrel/internal/codec"
	"Kestrel/internal/dag"
	"Kestrel/internal/fetch"
	"Kestrel/internal/network"
	"Kestrel/internal/types"
)

const clusterEpoch = 1

// valNode bundles the in-process stack of one validator.
type valNode struct {
	index  int
	priv   ed25519.PrivateKey
	author types.Author
	bls    *bls.KeyPair
	net    *network.Node
	store  *dag.Store
}

// cluster is a set of in-process validators joined over real QUIC on
// loopback.
type cluster struct {
	validators *types.ValidatorSet
	nodes      []*valNode
}

// newCluster starts count validators, each with its own network node and
// DAG store, fully meshed. Everything is torn down with the test.
func newCluster(t *testing.T, count int) *cluster {
	t.Helper()

	nodes := make([]*valNode, count)
	members := make([]types.ValidatorInfo, count)

	for i := range nodes {
		_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		blsKey, err := bls.DeriveFromED25519(priv)
		if err != nil {
			t.Fatalf("derive BLS key %d: %v", i, err)
		}

		net, err := network.NewNode(network.Config{
			PrivateKey: priv,
			ListenAddr: "127.0.0.1:0",
		})
		if err != nil {
			t.Fatalf("create network node %d: %v", i, err)
		}

		if err := net.Start(); err != nil {
			t.Fatalf("start network node %d: %v", i, err)
		}
		t.Cleanup(func() { net.Close() })

		author := types.AuthorFromBytes(priv.Public().(ed25519.PublicKey))
		nodes[i] = &valNode{
			index:  i,
			priv:   priv,
			author: author,
			bls:    blsKey,
			net:    net,
		}
		members[i] = types.ValidatorInfo{
			Author:       author,
			Weight:       1,
			BLSPublicKey: blsKey.PublicKeyBytes(),
			Address:      net.Addr(),
		}
	}

	validators, err := types.NewValidatorSet(members)
	if err != nil {
		t.Fatalf("build validator set: %v", err)
	}

	for _, n := range nodes {
		n.store = dag.NewStore(clusterEpoch, validators)
	}

	c := &cluster{validators: validators, nodes: nodes}
	c.connectMesh(t)

	return c
}

// connectMesh dials every pair of nodes in parallel.
func (c *cluster) connectMesh(t *testing.T) {
	t.Helper()

	var group errgroup.Group

	for i, from := range c.nodes {
		for _, to := range c.nodes[i+1:] {
			group.Go(func() error {
				if _, err := from.net.Connect(to.net.Addr()); err != nil {
					return fmt.Errorf("connect %d -> %d:\n%w", from.index, to.index, err)
				}
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		t.Fatalf("mesh connect failed: %v", err)
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

// serveFetch answers fetch requests from the node's own DAG store.
func (n *valNode) serveFetch() {
	handler := fetch.NewHandler(n.store)

	n.net.Serve(codec.MsgFetchRequest, func(from types.Author, data []byte) ([]byte, error) {
		var req fetch.RemoteFetchRequest
		if err := codec.Decode(data, &req); err != nil {
			return nil, err
		}

		resp, err := handler.Process(&req)
		if err != nil {
			return nil, err
		}

		payload, err := codec.Marshal(resp)
		if err != nil {
			return nil, err
		}

		compressed, err := codec.Compress(payload)
		if err != nil {
			return nil, err
		}

		framed := make([]byte, 1+len(compressed))
		framed[0] = byte(codec.MsgFetchResponse)
		copy(framed[1:], compressed)

		return framed, nil
	})
}

// quicClient is a fetch.Client sending requests over the cluster mesh.
type quicClient struct {
	net *network.Node
}

func (c *quicClient) Fetch(ctx context.Context, peer types.Author, req *fetch.RemoteFetchRequest) (*fetch.FetchResponse, error) {
	data, err := codec.Encode(codec.MsgFetchRequest, req)
	if err != nil {
		return nil, err
	}

	raw, err := c.net.Request(ctx, peer, data)
	if err != nil {
		return nil, err
	}

	msgType, err := codec.TypeOf(raw)
	if err != nil || msgType != codec.MsgFetchResponse {
		return nil, fmt.Errorf("unexpected response")
	}

	payload, err := codec.Decompress(raw[1:])
	if err != nil {
		return nil, err
	}

	var resp fetch.FetchResponse
	if err := codec.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// certify signs a node with every cluster key and wraps it in a quorum
// certificate naming all validators.
func (c *cluster) certify(t *testing.T, n *dag.Node) *dag.CertifiedNode {
	t.Helper()

	sigs := make([][]byte, len(c.nodes))
	indices := make([]int, len(c.nodes))
	for i, vn := range c.nodes {
		sigs[i] = vn.bls.Sign(n.Meta.Digest[:])
		indices[i] = c.validators.Index(vn.author)
	}

	agg, err := bls.AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate signatures: %v", err)
	}

	return &dag.CertifiedNode{
		Node: *n,
		Cert: dag.QuorumCert{
			AggSig:       agg,
			SignerBitmap: bls.BuildSignerBitmap(indices, c.validators.Len()),
		},
	}
}

// makeNode builds a node for the given round and author index with its
// digest filled in.
func (c *cluster) makeNode(round types.Round, authorIdx int, parents []types.Hash, payload []byte) *dag.Node {
	author, _ := c.validators.AuthorAt(authorIdx)

	n := &dag.Node{
		Meta: dag.NodeMeta{
			Epoch:  clusterEpoch,
			Round:  round,
			Author: author,
		},
		Parents: parents,
		Payload: payload,
	}
	n.Meta.Digest = n.ComputeDigest()

	return n
}
