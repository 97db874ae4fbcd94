package request

import (
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/pkg/errors"
)

const MAX_OUTSTANDING_REQUESTS = 5

// Pending holds the blocks requested but not yet received. Occupied slots
// are always packed from index 0; the newest request is the last one.
type Pending struct {
	slots [MAX_OUTSTANDING_REQUESTS]wire.BlockID
	n     int
}

func NewPending() *Pending {
	p := &Pending{}
	for i := range p.slots {
		p.slots[i] = wire.NoBlock
	}
	return p
}

func (p *Pending) Add(block wire.BlockID) bool {
	if block == wire.NoBlock || p.n == MAX_OUTSTANDING_REQUESTS {
		return false
	}
	p.slots[p.n] = block
	p.n++
	return true
}

// Remove drops block and shifts the following requests one slot left.
func (p *Pending) Remove(block wire.BlockID) bool {
	for i := 0; i < p.n; i++ {
		if p.slots[i] != block {
			continue
		}
		copy(p.slots[i:], p.slots[i+1:p.n])
		p.n--
		p.slots[p.n] = wire.NoBlock
		return true
	}
	return false
}

func (p *Pending) Contains(block wire.BlockID) bool {
	for i := 0; i < p.n; i++ {
		if p.slots[i] == block {
			return true
		}
	}
	return false
}

func (p *Pending) Len() int {
	return p.n
}

func (p *Pending) Full() bool {
	return p.n == MAX_OUTSTANDING_REQUESTS
}

func (p *Pending) Newest() wire.BlockID {
	if p.n == 0 {
		return wire.NoBlock
	}
	return p.slots[p.n-1]
}

// Recent returns up to n requests, newest first.
func (p *Pending) Recent(n int) []wire.BlockID {
	recent := make([]wire.BlockID, 0, n)
	for i := p.n - 1; i >= 0 && len(recent) < n; i-- {
		recent = append(recent, p.slots[i])
	}
	return recent
}

// Check verifies that no empty slot precedes an occupied one.
func (p *Pending) Check() error {
	for i, b := range p.slots {
		if (i < p.n) != (b != wire.NoBlock) {
			return errors.Errorf("slot %d holds %v with %d requests pending", i, b, p.n)
		}
	}
	return nil
}
