package peer

import (
	"sort"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/anacrolix/multiless"
	"go.uber.org/zap"
)

const (
	CHOKE_INTERVAL              = 10 * time.Second
	OPTIMISTIC_UNCHOKE_INTERVAL = 30 * time.Second
	ANTISNUB_INTERVAL           = 60 * time.Second
	CHECKALIVE_INTERVAL         = 120 * time.Second
	TRACKERALIVE_INTERVAL       = 1800 * time.Second
	// Silence tolerated before a neighbor is probed and then reaped.
	KEEP_ALIVE_TOLERANCE = 121 * time.Second
	DOWNLOADERS          = 3
)

// delta is the traffic moved with e since the last 20s snapshot, in the
// direction that matters to us.
func (p *Peer) delta(e *element) int {
	if p.seeder {
		return e.uploaded - e.head20
	}
	return e.downloaded - e.head20
}

func (p *Peer) counter(e *element) int {
	if p.seeder {
		return e.uploaded
	}
	return e.downloaded
}

// rank returns the interested leechers ordered by decreasing delta, ties
// kept in id order. Snubbed neighbors sit out one round and are choked.
func (p *Peer) rank() []*element {
	ranked := make([]*element, 0, p.neighbors.Len())
	for _, e := range p.neighbors.byPeer {
		nb := p.neighbors.slots[e.slot]
		if e.isSeeder || nb.interested == wire.NoPiece || nb.state == SNUBBED {
			continue
		}
		ranked = append(ranked, e)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return multiless.New().Int64(
			int64(p.delta(ranked[j])), int64(p.delta(ranked[i])),
		).Less()
	})
	return ranked
}

func (p *Peer) chokeTick() {
	p.schedule(CHOKE_INTERVAL, wire.ChokeTick{})

	ranked := p.rank()
	if len(ranked) > DOWNLOADERS {
		ranked = ranked[:DOWNLOADERS]
	}
	lucky := make(map[wire.PeerID]bool, DOWNLOADERS)
	for _, e := range ranked {
		lucky[e.id] = true
	}

	if len(lucky) < DOWNLOADERS {
		pool := make([]wire.PeerID, 0)
		p.neighbors.Each(func(_ int, nb *neighbor) {
			if nb.interested != wire.NoPiece && nb.state == CHOKED && !lucky[nb.id] && p.alive(nb.id) {
				pool = append(pool, nb.id)
			}
		})
		p.rng.Shuffle(len(pool), func(i, j int) {
			pool[i], pool[j] = pool[j], pool[i]
		})
		for _, id := range pool {
			if len(lucky) == DOWNLOADERS {
				break
			}
			lucky[id] = true
		}
	}

	dead := make([]wire.PeerID, 0)
	p.neighbors.Each(func(_ int, nb *neighbor) {
		if !p.alive(nb.id) {
			dead = append(dead, nb.id)
			return
		}
		switch {
		case lucky[nb.id] && nb.state == CHOKED:
			nb.state = UNCHOKED
			p.send(nb.id, wire.Unchoke{})
		case !lucky[nb.id] && nb.state != CHOKED:
			nb.state = CHOKED
			p.send(nb.id, wire.Choke{})
		}
	})
	for _, id := range dead {
		p.removeNeighbor(id)
	}

	p.chokeTicks++
	if p.chokeTicks%2 == 0 {
		for _, e := range p.neighbors.byPeer {
			e.head20 = p.counter(e)
		}
	}
	p.logger.Debug("choke round", zap.Int("unchoked", len(lucky)))
}

func (p *Peer) optimisticUnchokeTick() {
	p.schedule(OPTIMISTIC_UNCHOKE_INTERVAL, wire.OptimisticTick{})

	choked := make([]*neighbor, 0)
	p.neighbors.Each(func(_ int, nb *neighbor) {
		if nb.state == CHOKED && p.alive(nb.id) {
			choked = append(choked, nb)
		}
	})
	if len(choked) == 0 {
		return
	}
	nb := choked[p.rng.Intn(len(choked))]
	nb.state = UNCHOKED
	p.send(nb.id, wire.Unchoke{})
}

// antiSnubTick marks the neighbors that stopped sending us blocks. Seeders
// download nothing and stop the timer.
func (p *Peer) antiSnubTick() {
	if p.seeder {
		return
	}
	for _, e := range p.neighbors.byPeer {
		nb := p.neighbors.slots[e.slot]
		if e.downloaded > 0 && e.downloaded == e.head60 && nb.state != SNUBBED {
			nb.state = SNUBBED
			p.logger.Debug("neighbor snubbed", zap.Int64("neighbor", int64(e.id)))
		}
		e.head60 = e.downloaded
	}
	p.schedule(ANTISNUB_INTERVAL, wire.AntiSnubTick{})
}

func (p *Peer) checkAliveTick() {
	now := p.env.Now()
	dead := make([]wire.PeerID, 0)
	probe := make([]*neighbor, 0)
	p.neighbors.Each(func(_ int, nb *neighbor) {
		switch {
		case !p.alive(nb.id):
			if now-nb.lastSeen >= KEEP_ALIVE_TOLERANCE {
				dead = append(dead, nb.id)
			}
		case nb.probing && now-nb.probeAt >= CHECKALIVE_INTERVAL && nb.lastSeen < nb.probeAt:
			dead = append(dead, nb.id)
		case now-nb.lastSent >= KEEP_ALIVE_TOLERANCE:
			probe = append(probe, nb)
		}
	})
	for _, nb := range probe {
		p.send(nb.id, wire.KeepAlive{})
		if !nb.probing {
			nb.probing = true
			nb.probeAt = now
		}
	}
	for _, id := range dead {
		p.removeNeighbor(id)
	}
	p.schedule(CHECKALIVE_INTERVAL, wire.CheckAliveTick{})
}

func (p *Peer) trackerAliveTick() {
	if p.alive(p.tracker) {
		p.schedule(TRACKERALIVE_INTERVAL, wire.TrackerAliveTick{})
		return
	}
	p.logger.Warn("tracker lost", zap.Int64("tracker", int64(p.tracker)))
	p.tracker = wire.NoPeer
}
