package rand

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"Kestrel/internal/types"
)

// Metadata identifies the randomness slot of one ordered block.
type Metadata struct {
	Epoch       uint64
	Round       types.Round
	BlockDigest types.Hash
}

func (m Metadata) String() string {
	return fmt.Sprintf("epoch=%d round=%d block=%s", m.Epoch, m.Round, m.BlockDigest.Short())
}

// SigningMessage returns the bytes validators sign to contribute a share
// for this slot.
func (m Metadata) SigningMessage() []byte {
	buf := make([]byte, 16+len(m.BlockDigest))
	binary.BigEndian.PutUint64(buf, m.Epoch)
	binary.BigEndian.PutUint64(buf[8:], uint64(m.Round))
	copy(buf[16:], m.BlockDigest[:])

	digest := blake3.Sum256(buf)
	return digest[:]
}

// Share is one validator's partial contribution to a round's randomness.
type Share struct {
	Author   types.Author
	Metadata Metadata
	Payload  []byte
}

// Decision is the recovered randomness for one round: the cluster's
// unique threshold signature over the slot and the randomness derived
// from it. Once recorded for a round it is never replaced.
type Decision struct {
	Metadata   Metadata
	Randomness []byte
	Signature  []byte
}

// Config sets the weight a round's shares must reach before aggregation.
type Config struct {
	ThresholdWeight uint64
}
