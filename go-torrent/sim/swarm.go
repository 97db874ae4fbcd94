package sim

import (
	"math/rand"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/peer"
	"github.com/Charana123/torrent-sim/go-torrent/storage"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const TRACKER_ID wire.PeerID = 0

func (s *Simulator) nodeRand() *rand.Rand {
	return rand.New(rand.NewSource(s.rng.Int63()))
}

// Bootstrap creates the tracker and the configured peers, seeds a share of
// them, registers everyone with the tracker and starts them.
func (s *Simulator) Bootstrap() error {
	if len(s.nodes) > 0 {
		return errors.New("swarm already bootstrapped")
	}
	tr := peer.NewTracker(TRACKER_ID, s.cfg, s, s.logger, s.stats, s.nodeRand())
	s.add(tr)

	n := s.cfg.NumMaxNodes()
	seeders := n * s.cfg.SeederPercent / 100
	for i := 1; i <= n; i++ {
		id := wire.PeerID(i)
		p := s.newPeer(id)
		if i <= seeders {
			p.Seed()
		}
		s.add(p)
		tr.Register(id)
	}
	for _, p := range s.nodes[1:] {
		p.Start()
	}
	s.logger.Info("swarm bootstrapped",
		zap.Int("peers", n),
		zap.Int("seeders", seeders),
		zap.Int("pieces", s.cfg.NumPieces()))
	return nil
}

func (s *Simulator) newPeer(id wire.PeerID) *peer.Peer {
	bw := s.cfg.Bandwidths[s.rng.Intn(len(s.cfg.Bandwidths))]
	return peer.NewPeer(id, TRACKER_ID, bw, s.cfg, s, s.logger, s.stats, s.nodeRand())
}

// Join adds a leecher unknown to the tracker. It registers itself with its
// first TRACKER request.
func (s *Simulator) Join() (wire.PeerID, error) {
	if len(s.nodes) == 0 {
		return wire.NoPeer, errors.New("swarm not bootstrapped")
	}
	if len(s.nodes)-1 >= s.cfg.TrackerCapacity() {
		return wire.NoPeer, errors.Errorf("swarm grew past %d peers", s.cfg.TrackerCapacity())
	}
	id := wire.PeerID(len(s.nodes))
	p := s.newPeer(id)
	s.add(p)
	p.Start()
	s.logger.Info("peer joined", zap.Int64("peer", int64(id)), zap.Duration("at", s.now))
	return id, nil
}

// Snapshots captures the state of every node.
func (s *Simulator) Snapshots(runID string) []storage.Snapshot {
	snaps := make([]storage.Snapshot, 0, len(s.nodes))
	for _, n := range s.nodes {
		role := storage.ROLE_LEECHER
		switch {
		case n.IsTracker():
			role = storage.ROLE_TRACKER
		case n.IsSeeder():
			role = storage.ROLE_SEEDER
		}
		snaps = append(snaps, storage.Snapshot{
			RunID:      runID,
			ID:         int64(n.ID()),
			Role:       role,
			Completed:  n.Completed(),
			Neighbors:  n.NumNeighbors(),
			Uploaded:   n.Uploaded(),
			Downloaded: n.Downloaded(),
			Pieces:     storage.FormatPieces(n.Bitfield(), n.NumPieces()),
		})
	}
	return snaps
}

type Summary struct {
	At        time.Duration
	Peers     int
	Seeders   int
	Alive     int
	Delivered int
	Dropped   int
	Pending   int
}

func (s *Simulator) Summary() Summary {
	sum := Summary{
		At:        s.now,
		Delivered: s.delivered,
		Dropped:   s.dropped,
		Pending:   s.queue.Len(),
	}
	for id, n := range s.nodes {
		if n.IsTracker() {
			continue
		}
		sum.Peers++
		if n.IsSeeder() {
			sum.Seeders++
		}
		if s.up[id] {
			sum.Alive++
		}
	}
	return sum
}
