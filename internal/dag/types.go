package dag

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"Kestrel/internal/types"
)

// NodeMeta identifies a node by its position in the DAG and its content digest.
type NodeMeta struct {
	Epoch  uint64
	Round  types.Round
	Author types.Author
	Digest types.Hash
}

func (m NodeMeta) String() string {
	return fmt.Sprintf("round=%d author=%s digest=%s", m.Round, m.Author.Short(), m.Digest.Short())
}

// Node is a vertex produced by one validator for one round.
// Parents hold digests of nodes from the previous round.
type Node struct {
	Meta    NodeMeta
	Parents []types.Hash
	Payload []byte
}

// ComputeDigest returns the blake3 digest of the node contents.
// It covers everything except Meta.Digest itself, so the digest can
// be recomputed and checked on receipt.
func (n *Node) ComputeDigest() types.Hash {
	h := blake3.New()

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], n.Meta.Epoch)
	h.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(n.Meta.Round))
	h.Write(scratch[:])
	h.Write(n.Meta.Author[:])

	for _, parent := range n.Parents {
		h.Write(parent[:])
	}
	h.Write(n.Payload)

	var digest types.Hash
	h.Sum(digest[:0])

	return digest
}

// QuorumCert proves that a quorum of validators signed a node digest.
// SignerBitmap marks which validator set indices contributed to AggSig.
type QuorumCert struct {
	AggSig       []byte
	SignerBitmap []byte
}

// CertifiedNode is a node together with its quorum certificate.
type CertifiedNode struct {
	Node Node
	Cert QuorumCert
}

// Meta returns the metadata of the certified node.
func (c *CertifiedNode) Meta() NodeMeta {
	return c.Node.Meta
}
