package sim

import (
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/anacrolix/multiless"
)

// event is a message or timer due at a virtual time.
type event struct {
	index int
	at    time.Duration
	// insertion order, breaks ties between events due at the same time
	seq  uint64
	from wire.PeerID
	to   wire.PeerID
	msg  wire.Message
}

// eventQueue is the heap implementation
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	return multiless.New().Int64(
		int64(q[i].at), int64(q[j].at),
	).Int64(
		int64(q[i].seq), int64(q[j].seq),
	).Less()
}
func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *eventQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*event)
	item.index = n
	*q = append(*q, item)
}
func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[0 : n-1]
	return item
}
