package dag

import (
	"encoding/binary"

	"Kestrel/internal/types"
)

// Bitmask summarises which (round, author) positions a DAG holds across a
// window of rounds. Row i covers round FirstRound+i; bit j of a row marks
// the validator at index j. The bit layout matches signer bitmaps so the
// whole codebase shares one convention.
type Bitmask struct {
	FirstRound types.Round
	Rows       [][]byte
}

// NewBitmask creates an empty bitmask covering rounds [first, first+rounds)
// for a validator set of the given size.
func NewBitmask(first types.Round, rounds, authors int) *Bitmask {
	rowLen := (authors + 7) / 8
	rows := make([][]byte, rounds)
	for i := range rows {
		rows[i] = make([]byte, rowLen)
	}

	return &Bitmask{FirstRound: first, Rows: rows}
}

// LastRound returns the highest round the bitmask covers.
// For an empty bitmask it returns FirstRound.
func (m *Bitmask) LastRound() types.Round {
	if len(m.Rows) == 0 {
		return m.FirstRound
	}
	return m.FirstRound + types.Round(len(m.Rows)-1)
}

// Set marks the position for the given round and validator index.
// Out-of-range positions are ignored.
func (m *Bitmask) Set(round types.Round, idx int) {
	row, ok := m.row(round)
	if !ok || idx < 0 || idx/8 >= len(row) {
		return
	}
	row[idx/8] |= 1 << (idx % 8)
}

// Has reports whether the position for the given round and validator
// index is marked. Out-of-range positions report false.
func (m *Bitmask) Has(round types.Round, idx int) bool {
	row, ok := m.row(round)
	if !ok || idx < 0 || idx/8 >= len(row) {
		return false
	}
	return row[idx/8]&(1<<(idx%8)) != 0
}

// Key returns a compact string encoding of the bitmask, usable as a map key.
func (m *Bitmask) Key() string {
	size := 8
	for _, row := range m.Rows {
		size += len(row)
	}

	buf := make([]byte, 8, size)
	binary.BigEndian.PutUint64(buf, uint64(m.FirstRound))
	for _, row := range m.Rows {
		buf = append(buf, row...)
	}

	return string(buf)
}

func (m *Bitmask) row(round types.Round) ([]byte, bool) {
	if round < m.FirstRound {
		return nil, false
	}
	i := int(round - m.FirstRound)
	if i >= len(m.Rows) {
		return nil, false
	}
	return m.Rows[i], true
}
