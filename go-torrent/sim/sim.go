package sim

import (
	"container/heap"
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/peer"
	"github.com/Charana123/torrent-sim/go-torrent/stats"
	"github.com/Charana123/torrent-sim/go-torrent/torrent"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Simulator delivers messages and timers to the nodes of one swarm in
// virtual time order, one at a time.
type Simulator struct {
	cfg    *torrent.Config
	logger *zap.Logger
	stats  stats.Stats
	rng    *rand.Rand

	now   time.Duration
	seq   uint64
	queue eventQueue
	// indexed by peer id
	nodes []*peer.Peer
	up    []bool
	trace io.Writer

	delivered int
	dropped   int
}

func New(cfg *torrent.Config, logger *zap.Logger, st stats.Stats) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		st = stats.NewStats(nil)
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger.Named("sim"),
		stats:  st,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		queue:  eventQueue{},
	}
}

// SetTrace makes the simulator write every delivered message to w.
func (s *Simulator) SetTrace(w io.Writer) {
	s.trace = w
}

func (s *Simulator) push(at time.Duration, from, to wire.PeerID, msg wire.Message) {
	s.seq++
	heap.Push(&s.queue, &event{
		at:   at,
		seq:  s.seq,
		from: from,
		to:   to,
		msg:  msg,
	})
}

func (s *Simulator) latency() time.Duration {
	ms := s.cfg.MinLatency + s.rng.Intn(s.cfg.MaxLatency-s.cfg.MinLatency+1)
	return time.Duration(ms) * time.Millisecond
}

func (s *Simulator) Send(from, to wire.PeerID, msg wire.Message, pid int) {
	if s.node(to) == nil {
		s.logger.Warn("message to unknown node",
			zap.Int64("from", int64(from)),
			zap.Int64("to", int64(to)),
			zap.Stringer("kind", msg.Kind()))
		return
	}
	s.push(s.now+s.latency(), from, to, msg)
}

func (s *Simulator) Schedule(delay time.Duration, ev wire.Message, target wire.PeerID, pid int) {
	s.push(s.now+delay, target, target, ev)
}

func (s *Simulator) IsUp(id wire.PeerID) bool {
	return s.node(id) != nil && s.up[id]
}

func (s *Simulator) Now() time.Duration {
	return s.now
}

func (s *Simulator) Load(id wire.PeerID) peer.Load {
	if n := s.node(id); n != nil {
		return n.Load()
	}
	return peer.Load{}
}

func (s *Simulator) node(id wire.PeerID) *peer.Peer {
	if id < 0 || int(id) >= len(s.nodes) {
		return nil
	}
	return s.nodes[id]
}

func (s *Simulator) Node(id wire.PeerID) *peer.Peer {
	return s.node(id)
}

func (s *Simulator) Nodes() []*peer.Peer {
	nodes := make([]*peer.Peer, len(s.nodes))
	copy(nodes, s.nodes)
	return nodes
}

func (s *Simulator) add(p *peer.Peer) {
	s.nodes = append(s.nodes, p)
	s.up = append(s.up, true)
}

// Kill takes id off the network. Events due to it are dropped from now on.
func (s *Simulator) Kill(id wire.PeerID) {
	if s.node(id) == nil {
		return
	}
	s.up[id] = false
	s.logger.Info("node down", zap.Int64("node", int64(id)), zap.Duration("at", s.now))
}

func (s *Simulator) Pending() int {
	return s.queue.Len()
}

// Step delivers the next event. It returns false once nothing is left.
func (s *Simulator) Step() (bool, error) {
	if s.queue.Len() == 0 {
		return false, nil
	}
	ev := heap.Pop(&s.queue).(*event)
	s.now = ev.at
	if !s.IsUp(ev.to) {
		s.dropped++
		return true, nil
	}
	if s.trace != nil && !wire.IsTimer(ev.msg) {
		err := wire.WriteFrame(s.trace, wire.Frame{
			At:   ev.at,
			From: ev.from,
			To:   ev.to,
			Msg:  ev.msg,
		})
		if err != nil {
			return false, errors.Wrap(err, "writing trace")
		}
	}
	s.nodes[ev.to].HandleMessage(ev.from, ev.msg)
	s.delivered++
	return true, nil
}

// Run delivers every event due up to until, then moves the clock there.
func (s *Simulator) Run(ctx context.Context, until time.Duration) error {
	for s.queue.Len() > 0 && s.queue[0].at <= until {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Step(); err != nil {
			return err
		}
	}
	if s.now < until {
		s.now = until
	}
	return nil
}

// Check verifies the bookkeeping of every node.
func (s *Simulator) Check() error {
	for id, n := range s.nodes {
		if err := n.Check(); err != nil {
			return errors.Wrapf(err, "node %d", id)
		}
	}
	return nil
}
