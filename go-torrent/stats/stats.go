package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Stats interface {
	MessageSent(kind wire.Kind)
	MessageReceived(kind wire.Kind)
	UpdatePeer(id wire.PeerID, uploaded int, downloaded int)
	PieceCompleted(id wire.PeerID)
	FileCompleted(id wire.PeerID, at time.Duration)
	NeighborRemoved(id wire.PeerID)
	GetPeerStats() (peerStats map[wire.PeerID]*PeerStat)
	GetTotals() Totals
}

type PeerStat struct {
	Uploaded    int
	Downloaded  int
	Pieces      int
	Completed   bool
	CompletedAt time.Duration
}

type Totals struct {
	Uploaded       int
	Downloaded     int
	Pieces         int
	FilesCompleted int
	Removals       int
	Sent           map[wire.Kind]int
}

// Metrics are the prometheus collectors fed by a Stats.
type Metrics struct {
	Messages *prometheus.CounterVec
	Blocks   *prometheus.CounterVec
	Pieces   prometheus.Counter
	Files    prometheus.Counter
	Removals prometheus.Counter
}

// NewMetrics registers the swarm collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torrentsim",
			Name:      "messages_total",
			Help:      "Protocol messages and timer events by direction and kind.",
		}, []string{"direction", "kind"}),
		Blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torrentsim",
			Name:      "blocks_total",
			Help:      "Blocks transferred, by direction.",
		}, []string{"direction"}),
		Pieces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentsim",
			Name:      "pieces_completed_total",
			Help:      "Pieces completed by any peer.",
		}),
		Files: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentsim",
			Name:      "files_completed_total",
			Help:      "Peers that turned into seeders by downloading.",
		}),
		Removals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentsim",
			Name:      "neighbor_removals_total",
			Help:      "Neighbors dropped after leaving or failing keep-alive.",
		}),
	}
}

type stats struct {
	sync.Mutex

	metrics   *Metrics
	peerStats map[wire.PeerID]*PeerStat
	totals    Totals
}

func NewStats(metrics *Metrics) Stats {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &stats{
		metrics:   metrics,
		peerStats: make(map[wire.PeerID]*PeerStat),
		totals: Totals{
			Sent: make(map[wire.Kind]int),
		},
	}
}

func (s *stats) peer(id wire.PeerID) *PeerStat {
	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	return peerStat
}

func (s *stats) MessageSent(kind wire.Kind) {
	s.Lock()
	defer s.Unlock()

	s.totals.Sent[kind]++
	s.metrics.Messages.WithLabelValues("sent", kind.String()).Inc()
}

func (s *stats) MessageReceived(kind wire.Kind) {
	s.metrics.Messages.WithLabelValues("received", kind.String()).Inc()
}

func (s *stats) UpdatePeer(id wire.PeerID, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat := s.peer(id)
	peerStat.Uploaded += uploaded
	peerStat.Downloaded += downloaded
	s.totals.Uploaded += uploaded
	s.totals.Downloaded += downloaded
	if uploaded > 0 {
		s.metrics.Blocks.WithLabelValues("up").Add(float64(uploaded))
	}
	if downloaded > 0 {
		s.metrics.Blocks.WithLabelValues("down").Add(float64(downloaded))
	}
}

func (s *stats) PieceCompleted(id wire.PeerID) {
	s.Lock()
	defer s.Unlock()

	s.peer(id).Pieces++
	s.totals.Pieces++
	s.metrics.Pieces.Inc()
}

func (s *stats) FileCompleted(id wire.PeerID, at time.Duration) {
	s.Lock()
	defer s.Unlock()

	peerStat := s.peer(id)
	peerStat.Completed = true
	peerStat.CompletedAt = at
	s.totals.FilesCompleted++
	s.metrics.Files.Inc()
}

func (s *stats) NeighborRemoved(id wire.PeerID) {
	s.Lock()
	defer s.Unlock()

	s.totals.Removals++
	s.metrics.Removals.Inc()
}

func (s *stats) GetPeerStats() map[wire.PeerID]*PeerStat {
	s.Lock()
	defer s.Unlock()

	peerStats := make(map[wire.PeerID]*PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		cp := *peerStat
		peerStats[id] = &cp
	}
	return peerStats
}

func (s *stats) GetTotals() Totals {
	s.Lock()
	defer s.Unlock()

	totals := s.totals
	totals.Sent = make(map[wire.Kind]int, len(s.totals.Sent))
	for k, v := range s.totals.Sent {
		totals.Sent[k] = v
	}
	return totals
}

// CompletionTimes returns the download completion times in increasing order.
func CompletionTimes(peerStats map[wire.PeerID]*PeerStat) []time.Duration {
	times := make([]time.Duration, 0)
	for _, peerStat := range peerStats {
		if peerStat.Completed {
			times = append(times, peerStat.CompletedAt)
		}
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i] < times[j]
	})
	return times
}
