package rand

import (
	"encoding/binary"
	"fmt"

	"Kestrel/internal/codec"
	"Kestrel/internal/storage"
)

// Key prefixes for persisted randomness state.
var (
	prefixShare    = []byte("rs:") // rs:<epoch><round><author> -> share
	prefixDecision = []byte("rd:") // rd:<epoch><round> -> decision
)

// Storage persists shares and decisions so they survive restarts.
// A share or decision acknowledged to a caller must already be durable.
type Storage interface {
	SaveShare(share *Share) error
	SaveDecision(decision *Decision) error
	AllShares() ([]*Share, error)
	AllDecisions() ([]*Decision, error)
	RemoveShares(shares []*Share) error
	RemoveDecisions(decisions []*Decision) error
}

// DB is a pebble-backed Storage. Writes block until the WAL is synced.
type DB struct {
	db *storage.Storage
}

// NewDB wraps a key-value store for randomness persistence.
func NewDB(db *storage.Storage) *DB {
	return &DB{db: db}
}

// SaveShare durably persists a share.
func (d *DB) SaveShare(share *Share) error {
	value, err := codec.Marshal(share)
	if err != nil {
		return fmt.Errorf("encode share:\n%w", err)
	}

	return d.db.SetSync(shareKey(share), value)
}

// SaveDecision durably persists a decision.
func (d *DB) SaveDecision(decision *Decision) error {
	value, err := codec.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision:\n%w", err)
	}

	return d.db.SetSync(decisionKey(decision.Metadata), value)
}

// AllShares returns every persisted share, any epoch.
func (d *DB) AllShares() ([]*Share, error) {
	var shares []*Share

	err := d.db.IteratePrefix(prefixShare, func(key, value []byte) error {
		var share Share
		if err := codec.Unmarshal(value, &share); err != nil {
			return fmt.Errorf("decode share at %x:\n%w", key, err)
		}
		shares = append(shares, &share)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return shares, nil
}

// AllDecisions returns every persisted decision, any epoch.
func (d *DB) AllDecisions() ([]*Decision, error) {
	var decisions []*Decision

	err := d.db.IteratePrefix(prefixDecision, func(key, value []byte) error {
		var decision Decision
		if err := codec.Unmarshal(value, &decision); err != nil {
			return fmt.Errorf("decode decision at %x:\n%w", key, err)
		}
		decisions = append(decisions, &decision)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return decisions, nil
}

// RemoveShares deletes the given shares in one batch.
func (d *DB) RemoveShares(shares []*Share) error {
	keys := make([][]byte, len(shares))
	for i, share := range shares {
		keys[i] = shareKey(share)
	}

	return d.db.DeleteBatch(keys)
}

// RemoveDecisions deletes the given decisions in one batch.
func (d *DB) RemoveDecisions(decisions []*Decision) error {
	keys := make([][]byte, len(decisions))
	for i, decision := range decisions {
		keys[i] = decisionKey(decision.Metadata)
	}

	return d.db.DeleteBatch(keys)
}

// shareKey builds the storage key for a share.
func shareKey(share *Share) []byte {
	key := make([]byte, len(prefixShare)+16+len(share.Author))
	n := copy(key, prefixShare)
	binary.BigEndian.PutUint64(key[n:], share.Metadata.Epoch)
	binary.BigEndian.PutUint64(key[n+8:], uint64(share.Metadata.Round))
	copy(key[n+16:], share.Author[:])

	return key
}

// decisionKey builds the storage key for a decision.
func decisionKey(md Metadata) []byte {
	key := make([]byte, len(prefixDecision)+16)
	n := copy(key, prefixDecision)
	binary.BigEndian.PutUint64(key[n:], md.Epoch)
	binary.BigEndian.PutUint64(key[n+8:], uint64(md.Round))

	return key
}
