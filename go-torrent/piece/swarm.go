package piece

import (
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

// Swarm holds, for every neighbor slot, the pieces that neighbor owns, and
// the number of neighbors owning each piece.
type Swarm struct {
	numPieces int
	rows      []bitmap.Bitmap
	rarest    []int
}

func NewSwarm(slots, numPieces int) *Swarm {
	rows := make([]bitmap.Bitmap, slots)
	for i := range rows {
		rows[i] = bitmap.New(numPieces)
	}
	return &Swarm{
		numPieces: numPieces,
		rows:      rows,
		rarest:    make([]int, numPieces),
	}
}

func (s *Swarm) NumPieces() int {
	return s.numPieces
}

// SetRow replaces the row of slot with the first numPieces bits of bits.
func (s *Swarm) SetRow(slot int, bits bitmap.Bitmap) {
	s.ClearRow(slot)
	row := s.rows[slot]
	for i := 0; i < s.numPieces && i < bits.Len(); i++ {
		if bits.Get(i) {
			row.Set(i, true)
			s.rarest[i]++
		}
	}
}

// SetHave marks piece as owned by slot. It returns false if it already was.
func (s *Swarm) SetHave(slot, piece int) bool {
	if piece < 0 || piece >= s.numPieces || s.rows[slot].Get(piece) {
		return false
	}
	s.rows[slot].Set(piece, true)
	s.rarest[piece]++
	return true
}

func (s *Swarm) ClearRow(slot int) {
	row := s.rows[slot]
	for i := 0; i < s.numPieces; i++ {
		if row.Get(i) {
			row.Set(i, false)
			s.rarest[i]--
		}
	}
}

func (s *Swarm) Has(slot, piece int) bool {
	if piece < 0 || piece >= s.numPieces {
		return false
	}
	return s.rows[slot].Get(piece)
}

// IsSeeder reports whether slot owns every piece.
func (s *Swarm) IsSeeder(slot int) bool {
	for i := 0; i < s.numPieces; i++ {
		if !s.rows[slot].Get(i) {
			return false
		}
	}
	return true
}

func (s *Swarm) Count(piece int) int {
	return s.rarest[piece]
}

// Counts returns a copy of the per-piece owner counts.
func (s *Swarm) Counts() []int {
	counts := make([]int, s.numPieces)
	copy(counts, s.rarest)
	return counts
}

// Check verifies that every count equals the column sum of the rows.
func (s *Swarm) Check() error {
	for p := 0; p < s.numPieces; p++ {
		sum := 0
		for _, row := range s.rows {
			if row.Get(p) {
				sum++
			}
		}
		if sum != s.rarest[p] {
			return errors.Errorf("piece %d: count %d, column sum %d", p, s.rarest[p], sum)
		}
	}
	return nil
}
