package types

import "encoding/hex"

// Hash is a 32-byte blake3 digest identifying nodes and payloads.
type Hash [32]byte

// Author identifies a validator by its ed25519 public key bytes.
type Author [32]byte

// Round is a per-epoch consensus round number. Rounds only move forward.
type Round uint64

// Short returns the first 8 bytes of the hash in hex, for logging.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// Short returns the first 8 bytes of the author key in hex, for logging.
func (a Author) Short() string {
	return hex.EncodeToString(a[:8])
}

// AuthorFromBytes builds an Author from raw public key bytes.
// Returns the zero Author if the slice is not 32 bytes.
func AuthorFromBytes(b []byte) Author {
	var a Author
	if len(b) == 32 {
		copy(a[:], b)
	}
	return a
}
