package peer

import (
	"sort"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/piece"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/pkg/errors"
)

type ChokeState int

const (
	CHOKED ChokeState = iota
	UNCHOKED
	SNUBBED
)

func (s ChokeState) String() string {
	switch s {
	case CHOKED:
		return "choked"
	case UNCHOKED:
		return "unchoked"
	}
	return "snubbed"
}

// neighbor is one occupied slot of the cache.
type neighbor struct {
	id wire.PeerID
	// our choke decision towards the neighbor
	state ChokeState
	// piece the neighbor last declared interest in, wire.NoPiece if none
	interested int
	// the neighbor is not choking us
	unchokedBy bool
	lastSeen   time.Duration
	lastSent   time.Duration
	// keep-alive sent and not yet answered
	probing bool
	probeAt time.Duration
}

// element is the id-ordered view of a neighbor, carrying its transfer
// counters.
type element struct {
	id         wire.PeerID
	slot       int
	uploaded   int
	downloaded int
	// uploaded or downloaded count at the last 20s snapshot
	head20 int
	// downloaded count at the last 60s snapshot
	head60   int
	isSeeder bool
}

type neighbors struct {
	self  wire.PeerID
	slots []*neighbor
	// sorted by id, one element per occupied slot
	byPeer []*element
	swarm  *piece.Swarm
}

func newNeighbors(self wire.PeerID, capacity int, swarm *piece.Swarm) *neighbors {
	return &neighbors{
		self:   self,
		slots:  make([]*neighbor, capacity),
		byPeer: make([]*element, 0, capacity),
		swarm:  swarm,
	}
}

func (n *neighbors) Len() int {
	return len(n.byPeer)
}

func (n *neighbors) Capacity() int {
	return len(n.slots)
}

func (n *neighbors) search(id wire.PeerID) int {
	return sort.Search(len(n.byPeer), func(i int) bool {
		return n.byPeer[i].id >= id
	})
}

// Lookup finds the element of id by binary search.
func (n *neighbors) Lookup(id wire.PeerID) (*element, bool) {
	i := n.search(id)
	if i < len(n.byPeer) && n.byPeer[i].id == id {
		return n.byPeer[i], true
	}
	return nil, false
}

func (n *neighbors) Get(id wire.PeerID) (*neighbor, *element, bool) {
	e, ok := n.Lookup(id)
	if !ok {
		return nil, nil, false
	}
	return n.slots[e.slot], e, true
}

// Add puts id in the first free slot. reserved counts slots promised to
// handshakes still in flight.
func (n *neighbors) Add(id wire.PeerID, reserved int, now time.Duration) (*neighbor, bool) {
	if id == n.self || id == wire.NoPeer {
		return nil, false
	}
	if _, ok := n.Lookup(id); ok {
		return nil, false
	}
	if n.Len()+reserved >= n.Capacity() {
		return nil, false
	}
	for slot, nb := range n.slots {
		if nb != nil {
			continue
		}
		nb = &neighbor{
			id:         id,
			state:      CHOKED,
			interested: wire.NoPiece,
			lastSeen:   now,
			lastSent:   now,
		}
		n.slots[slot] = nb
		n.swarm.ClearRow(slot)

		i := n.search(id)
		n.byPeer = append(n.byPeer, nil)
		copy(n.byPeer[i+1:], n.byPeer[i:])
		n.byPeer[i] = &element{id: id, slot: slot}
		return nb, true
	}
	return nil, false
}

// Remove frees the slot of id and withdraws its pieces from the swarm
// counts. Removing wire.NoPeer succeeds without effect.
func (n *neighbors) Remove(id wire.PeerID) bool {
	if id == wire.NoPeer {
		return true
	}
	i := n.search(id)
	if i == len(n.byPeer) || n.byPeer[i].id != id {
		return false
	}
	slot := n.byPeer[i].slot
	n.swarm.ClearRow(slot)
	n.slots[slot] = nil
	n.byPeer = append(n.byPeer[:i], n.byPeer[i+1:]...)
	return true
}

// Each calls fn for every occupied slot in slot order.
func (n *neighbors) Each(fn func(slot int, nb *neighbor)) {
	for slot, nb := range n.slots {
		if nb != nil {
			fn(slot, nb)
		}
	}
}

func (n *neighbors) IDs() []wire.PeerID {
	ids := make([]wire.PeerID, len(n.byPeer))
	for i, e := range n.byPeer {
		ids[i] = e.id
	}
	return ids
}

// Check verifies that the id index mirrors the slot table.
func (n *neighbors) Check() error {
	occupied := 0
	for _, nb := range n.slots {
		if nb != nil {
			occupied++
		}
	}
	if occupied != len(n.byPeer) {
		return errors.Errorf("%d occupied slots, %d indexed peers", occupied, len(n.byPeer))
	}
	for i, e := range n.byPeer {
		if e.id == n.self {
			return errors.Errorf("index holds the local peer %d", e.id)
		}
		if i > 0 && n.byPeer[i-1].id >= e.id {
			return errors.Errorf("index not sorted at %d", i)
		}
		nb := n.slots[e.slot]
		if nb == nil || nb.id != e.id {
			return errors.Errorf("index entry %d points to slot %d not holding it", e.id, e.slot)
		}
	}
	return n.swarm.Check()
}
