package request

import (
	"github.com/Charana123/torrent-sim/go-torrent/wire"
)

const (
	UPLOAD_QUEUE_SIZE   = 20
	INCOMING_QUEUE_SIZE = 100
)

type Entry struct {
	Block wire.BlockID
	Peer  wire.PeerID
}

// Queue is a bounded FIFO of blocks tagged with the peer they came from or
// go to.
type Queue struct {
	entries  []Entry
	capacity int
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue returns false and drops the entry when the queue is full.
func (q *Queue) Enqueue(block wire.BlockID, peer wire.PeerID) bool {
	if len(q.entries) == q.capacity {
		return false
	}
	q.entries = append(q.entries, Entry{Block: block, Peer: peer})
	return true
}

func (q *Queue) Dequeue() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = append(q.entries[:0], q.entries[1:]...)
	return e, true
}

// Remove deletes the first entry matching peer and block.
func (q *Queue) Remove(peer wire.PeerID, block wire.BlockID) bool {
	for i, e := range q.entries {
		if e.Peer == peer && e.Block == block {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	return len(q.entries)
}

func (q *Queue) Empty() bool {
	return len(q.entries) == 0
}

func (q *Queue) Entries() []Entry {
	entries := make([]Entry, len(q.entries))
	copy(entries, q.entries)
	return entries
}
