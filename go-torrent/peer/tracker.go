package peer

import (
	"math/rand"

	"github.com/Charana123/torrent-sim/go-torrent/piece"
	"github.com/Charana123/torrent-sim/go-torrent/stats"
	"github.com/Charana123/torrent-sim/go-torrent/torrent"
	"github.com/Charana123/torrent-sim/go-torrent/tracker"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"go.uber.org/zap"
)

// NewTracker returns the directory node of the swarm. It only answers
// TRACKER requests and keeps every peer it heard from in its cache.
func NewTracker(
	id wire.PeerID,
	cfg *torrent.Config,
	env Env,
	logger *zap.Logger,
	st stats.Stats,
	rng *rand.Rand) *Peer {

	capacity := cfg.TrackerCapacity()
	p := newNode(id, cfg, env, logger, st, rng)
	p.isTracker = true
	p.swarm = piece.NewSwarm(capacity, 0)
	p.neighbors = newNeighbors(id, capacity, p.swarm)
	return p
}

// Register makes a peer known to the tracker before it ever asks.
func (p *Peer) Register(id wire.PeerID) bool {
	_, ok := p.neighbors.Add(id, 0, p.env.Now())
	return ok
}

func (p *Peer) handleTrackerMessage(from wire.PeerID, msg wire.Message) {
	if _, ok := msg.(wire.Tracker); !ok {
		p.logger.Debug("tracker ignores message", zap.Stringer("kind", msg.Kind()))
		return
	}
	if !p.alive(from) {
		return
	}
	if _, ok := p.neighbors.Lookup(from); !ok && !p.Register(from) {
		p.logger.Warn("tracker full", zap.Int64("from", int64(from)))
	}
	peers := tracker.SamplePeerSet(p.neighbors.IDs(), from, p.cfg.PeersetSize, p.rng)
	p.send(from, wire.PeerSet{Peers: peers})
}
