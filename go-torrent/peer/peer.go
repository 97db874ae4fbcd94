package peer

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/piece"
	"github.com/Charana123/torrent-sim/go-torrent/request"
	"github.com/Charana123/torrent-sim/go-torrent/stats"
	"github.com/Charana123/torrent-sim/go-torrent/torrent"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"
)

const (
	MAX_UPLOADS = 10
	// Size of a block in kbit, used to derive transfer times from Kbps.
	BLOCK_KBITS = 16 * 8
)

// Env is the simulated network a peer lives in.
type Env interface {
	Send(from, to wire.PeerID, msg wire.Message, pid int)
	Schedule(delay time.Duration, ev wire.Message, target wire.PeerID, pid int)
	IsUp(id wire.PeerID) bool
	Now() time.Duration
	// Load reports the current transfer load of another node.
	Load(id wire.PeerID) Load
}

type Load struct {
	// Kbps
	Bandwidth int
	Uploads   int
	Downloads int
}

// Peer runs the protocol for one node. It is driven by HandleMessage and
// never blocks; every outbound effect goes through Env.
type Peer struct {
	id        wire.PeerID
	tracker   wire.PeerID
	isTracker bool
	bandwidth int
	pid       int

	cfg    *torrent.Config
	env    Env
	logger *zap.Logger
	stats  stats.Stats
	rng    *rand.Rand

	neighbors *neighbors
	swarm     *piece.Swarm
	pieces    piece.PieceManager
	pending   *request.Pending
	uploads   *request.Queue
	incoming  *request.Queue
	// peers a block was requested from, cancelled once it arrives
	requestedFrom map[wire.BlockID]mapset.Set

	seeder            bool
	started           bool
	uploadsInFlight   int
	bitfieldsInFlight int
	interestedPeers   int
	chokeTicks        int
	uploaded          int
	downloaded        int
}

func NewPeer(
	id wire.PeerID,
	tracker wire.PeerID,
	bandwidth int,
	cfg *torrent.Config,
	env Env,
	logger *zap.Logger,
	st stats.Stats,
	rng *rand.Rand) *Peer {

	swarm := piece.NewSwarm(cfg.MaxSwarmSize, cfg.NumPieces())
	p := newNode(id, cfg, env, logger, st, rng)
	p.tracker = tracker
	p.bandwidth = bandwidth
	p.swarm = swarm
	p.neighbors = newNeighbors(id, cfg.MaxSwarmSize, swarm)
	p.pieces = piece.NewRarestFirstPieceManager(swarm, p.rng)
	p.pending = request.NewPending()
	p.uploads = request.NewQueue(request.UPLOAD_QUEUE_SIZE)
	p.incoming = request.NewQueue(request.INCOMING_QUEUE_SIZE)
	p.requestedFrom = make(map[wire.BlockID]mapset.Set)
	return p
}

func newNode(
	id wire.PeerID,
	cfg *torrent.Config,
	env Env,
	logger *zap.Logger,
	st stats.Stats,
	rng *rand.Rand) *Peer {

	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		st = stats.NewStats(nil)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(id)))
	}
	return &Peer{
		id:      id,
		tracker: wire.NoPeer,
		pid:     cfg.Transport,
		cfg:     cfg,
		env:     env,
		logger:  logger.Named("peer").With(zap.Int64("peer", int64(id))),
		stats:   st,
		rng:     rng,
	}
}

func (p *Peer) ID() wire.PeerID {
	return p.id
}

func (p *Peer) IsTracker() bool {
	return p.isTracker
}

func (p *Peer) IsSeeder() bool {
	return p.seeder
}

func (p *Peer) Completed() int {
	if p.isTracker {
		return 0
	}
	return p.pieces.GetPiecesDownloaded()
}

func (p *Peer) NumPieces() int {
	return p.swarm.NumPieces()
}

func (p *Peer) Bitfield() bitmap.Bitmap {
	if p.isTracker {
		return bitmap.New(0)
	}
	return p.pieces.GetBitField()
}

func (p *Peer) NumNeighbors() int {
	return p.neighbors.Len()
}

func (p *Peer) Neighbors() []wire.PeerID {
	return p.neighbors.IDs()
}

func (p *Peer) InterestedPeers() int {
	return p.interestedPeers
}

func (p *Peer) Uploaded() int {
	return p.uploaded
}

func (p *Peer) Downloaded() int {
	return p.downloaded
}

// RarestCounts returns, per piece, how many neighbors own it.
func (p *Peer) RarestCounts() []int {
	return p.swarm.Counts()
}

func (p *Peer) Load() Load {
	downloads := 0
	if p.pending != nil {
		downloads = p.pending.Len()
	}
	return Load{
		Bandwidth: p.bandwidth,
		Uploads:   p.uploadsInFlight,
		Downloads: downloads,
	}
}

// Seed gives the peer every piece of the file.
func (p *Peer) Seed() {
	for i := 0; i < p.pieces.NumPieces(); i++ {
		p.pieces.SetPieceComplete(i)
	}
	p.seeder = true
}

// Check verifies the internal bookkeeping of the peer.
func (p *Peer) Check() error {
	if err := p.neighbors.Check(); err != nil {
		return err
	}
	if p.pending != nil {
		return p.pending.Check()
	}
	return nil
}

// Start arms the periodic timers and asks the tracker for a first peer set.
func (p *Peer) Start() {
	if p.isTracker {
		return
	}
	p.schedule(CHOKE_INTERVAL, wire.ChokeTick{})
	p.schedule(OPTIMISTIC_UNCHOKE_INTERVAL, wire.OptimisticTick{})
	p.schedule(ANTISNUB_INTERVAL, wire.AntiSnubTick{})
	p.schedule(CHECKALIVE_INTERVAL, wire.CheckAliveTick{})
	p.schedule(TRACKERALIVE_INTERVAL, wire.TrackerAliveTick{})
	if p.tracker != wire.NoPeer {
		p.send(p.tracker, wire.Tracker{})
	}
}

func (p *Peer) HandleMessage(from wire.PeerID, msg wire.Message) {
	p.stats.MessageReceived(msg.Kind())
	p.logger.Debug("received",
		zap.Int64("from", int64(from)),
		zap.Stringer("kind", msg.Kind()))

	if p.isTracker {
		p.handleTrackerMessage(from, msg)
		return
	}

	switch m := msg.(type) {
	case wire.KeepAlive:
		p.handleKeepAlive(from, m)
	case wire.Choke:
		p.handleChoke(from)
	case wire.Unchoke:
		p.handleUnchoke(from)
	case wire.Interested:
		p.handleInterested(from, m)
	case wire.NotInterested:
		p.handleNotInterested(from, m)
	case wire.Have:
		p.handleHave(from, m)
	case wire.Bitfield:
		p.handleBitfield(from, m)
	case wire.Request:
		p.handleRequest(from, m)
	case wire.Piece:
		p.handlePiece(from, m)
	case wire.Cancel:
		p.uploads.Remove(from, m.Block)
	case wire.PeerSet:
		p.handlePeerSet(m)
	case wire.ChokeTick:
		p.chokeTick()
	case wire.OptimisticTick:
		p.optimisticUnchokeTick()
	case wire.AntiSnubTick:
		p.antiSnubTick()
	case wire.CheckAliveTick:
		p.checkAliveTick()
	case wire.TrackerAliveTick:
		p.trackerAliveTick()
	case wire.DownloadCompleted:
		if p.uploadsInFlight > 0 {
			p.uploadsInFlight--
		}
		p.serveQueue()
	case wire.Tracker:
		p.logger.Debug("tracker request sent to a peer", zap.Int64("from", int64(from)))
	}
}

func (p *Peer) send(to wire.PeerID, msg wire.Message) {
	p.env.Send(p.id, to, msg, p.pid)
	p.stats.MessageSent(msg.Kind())
	if nb, _, ok := p.neighbors.Get(to); ok {
		nb.lastSent = p.env.Now()
	}
}

func (p *Peer) schedule(delay time.Duration, ev wire.Message) {
	p.env.Schedule(delay, ev, p.id, p.pid)
}

func (p *Peer) alive(id wire.PeerID) bool {
	return id != wire.NoPeer && p.env.IsUp(id)
}

func (p *Peer) seen(nb *neighbor) {
	nb.lastSeen = p.env.Now()
	nb.probing = false
}

func (p *Peer) bitfield(request, ack bool) wire.Bitfield {
	return wire.NewBitfield(request, ack, p.pieces.NumPieces(), p.pieces.GetBitField())
}

// resync answers a message from a peer missing from the cache with a fresh
// handshake request.
func (p *Peer) resync(from wire.PeerID) {
	p.logger.Warn("message from unknown peer", zap.Int64("from", int64(from)))
	p.send(from, p.bitfield(true, false))
	p.bitfieldsInFlight++
}

func (p *Peer) removeNeighbor(id wire.PeerID) {
	if id == wire.NoPeer || !p.neighbors.Remove(id) {
		return
	}
	p.logger.Info("neighbor removed",
		zap.Int64("neighbor", int64(id)),
		zap.Int("neighbors", p.neighbors.Len()))
	p.stats.NeighborRemoved(p.id)
	p.processNeighborListSize()
}

// processNeighborListSize asks the tracker for more peers once the cache
// shrinks to the low-water mark.
func (p *Peer) processNeighborListSize() {
	if p.neighbors.Len() == p.cfg.LowWater && p.tracker != wire.NoPeer {
		p.send(p.tracker, wire.Tracker{})
	}
}

// broadcast sends msg to every alive neighbor accepted by filter and drops
// the neighbors found dead on the way.
func (p *Peer) broadcast(msg wire.Message, filter func(slot int, nb *neighbor) bool) {
	dead := make([]wire.PeerID, 0)
	p.neighbors.Each(func(slot int, nb *neighbor) {
		if !p.alive(nb.id) {
			dead = append(dead, nb.id)
			return
		}
		if filter == nil || filter(slot, nb) {
			p.send(nb.id, msg)
		}
	})
	for _, id := range dead {
		p.removeNeighbor(id)
	}
}

func (p *Peer) handleKeepAlive(from wire.PeerID, m wire.KeepAlive) {
	nb, _, ok := p.neighbors.Get(from)
	if !ok {
		p.resync(from)
		return
	}
	p.seen(nb)
	if !m.Response && p.alive(from) {
		p.send(from, wire.KeepAlive{Response: true})
	}
}

func (p *Peer) handleChoke(from wire.PeerID) {
	nb, _, ok := p.neighbors.Get(from)
	if !ok {
		p.resync(from)
		return
	}
	p.seen(nb)
	nb.unchokedBy = false
}

func (p *Peer) handleUnchoke(from wire.PeerID) {
	nb, e, ok := p.neighbors.Get(from)
	if !ok {
		p.resync(from)
		return
	}
	p.seen(nb)
	nb.unchokedBy = true

	// re-send the newest requests still unanswered
	for _, block := range p.pending.Recent(p.cfg.DuplicatedRequests) {
		if !p.alive(from) {
			p.removeNeighbor(from)
			return
		}
		if p.swarm.Has(e.slot, block.Piece()) {
			p.send(from, wire.Request{Block: block})
			p.askedFrom(block, from)
		}
	}
	p.requestNextBlocks(from)
}

func (p *Peer) handleInterested(from wire.PeerID, m wire.Interested) {
	p.interestedPeers++
	nb, _, ok := p.neighbors.Get(from)
	if !ok {
		p.resync(from)
		return
	}
	p.seen(nb)
	nb.interested = m.Piece
}

func (p *Peer) handleNotInterested(from wire.PeerID, m wire.NotInterested) {
	p.interestedPeers--
	nb, _, ok := p.neighbors.Get(from)
	if !ok {
		return
	}
	p.seen(nb)
	if nb.interested == m.Piece {
		nb.interested = wire.NoPiece
	}
}

func (p *Peer) handleHave(from wire.PeerID, m wire.Have) {
	nb, e, ok := p.neighbors.Get(from)
	if !ok {
		p.resync(from)
		return
	}
	p.seen(nb)
	p.swarm.SetHave(e.slot, m.Piece)
	e.isSeeder = p.swarm.IsSeeder(e.slot)
}

func (p *Peer) handshakeDone() {
	if p.bitfieldsInFlight > 0 {
		p.bitfieldsInFlight--
	}
}

func (p *Peer) handleBitfield(from wire.PeerID, m wire.Bitfield) {
	switch {
	case !m.Request && !m.Ack:
		// a refused handshake; an ack for a duplicate insertion also lands
		// here and leaves the counter alone
		if _, ok := p.neighbors.Lookup(from); !ok {
			p.handshakeDone()
		}

	case m.Request && !m.Ack:
		if p.alive(from) {
			p.send(from, p.bitfield(false, true))
		}

	case !m.Request && m.Ack:
		p.handshakeDone()
		if !p.alive(from) {
			p.logger.Warn("handshake answered by a dead peer", zap.Int64("from", int64(from)))
			return
		}
		if _, ok := p.neighbors.Add(from, p.bitfieldsInFlight, p.env.Now()); ok {
			p.mergeBitfield(from, m)
			p.maybeStartDownload()
		}

	default:
		if !p.alive(from) {
			p.logger.Warn("handshake from a dead peer", zap.Int64("from", int64(from)))
			return
		}
		if _, ok := p.neighbors.Add(from, p.bitfieldsInFlight, p.env.Now()); ok {
			p.mergeBitfield(from, m)
			p.send(from, p.bitfield(false, true))
			p.maybeStartDownload()
		} else if nb, _, ok := p.neighbors.Get(from); ok {
			p.seen(nb)
			p.send(from, p.bitfield(false, true))
		} else {
			p.send(from, p.bitfield(false, false))
		}
	}
}

func (p *Peer) mergeBitfield(from wire.PeerID, m wire.Bitfield) {
	nb, e, _ := p.neighbors.Get(from)
	p.seen(nb)
	p.swarm.SetRow(e.slot, m.Bits)
	e.isSeeder = p.swarm.IsSeeder(e.slot)
}

// maybeStartDownload picks the first piece once enough neighbors are known.
func (p *Peer) maybeStartDownload() {
	if p.started || p.neighbors.Len() < p.cfg.StartThreshold {
		return
	}
	p.started = true
	if p.seeder {
		return
	}
	piece, ok := p.selectPiece()
	if !ok {
		return
	}
	p.logger.Debug("download started", zap.Int("piece", piece))
	// neighbors that unchoked us early get requests right away
	for _, id := range p.neighbors.IDs() {
		if nb, _, ok := p.neighbors.Get(id); ok && nb.unchokedBy {
			p.requestNextBlocks(id)
		}
	}
}

// selectPiece chooses the next piece to request and tells the neighbors
// owning it.
func (p *Peer) selectPiece() (int, bool) {
	next, ok := p.pieces.ChoosePiece()
	if !ok {
		return wire.NoPiece, false
	}
	if p.pieces.Current() == wire.NoPiece {
		p.pieces.Begin(next)
	}
	p.broadcast(wire.Interested{Piece: next}, func(slot int, _ *neighbor) bool {
		return p.swarm.Has(slot, next)
	})
	return next, true
}

func (p *Peer) askedFrom(block wire.BlockID, id wire.PeerID) {
	set, ok := p.requestedFrom[block]
	if !ok {
		set = mapset.NewSet()
		p.requestedFrom[block] = set
	}
	set.Add(id)
}

// requestNextBlocks fills the pending slots with requests to from, moving
// on to new pieces as the current one runs out of blocks.
func (p *Peer) requestNextBlocks(from wire.PeerID) {
	if p.seeder || !p.started {
		return
	}
	for selections := 0; selections <= p.pieces.NumPieces(); {
		block, status := p.pieces.ChooseBlock(p.pending)
		switch status {
		case piece.PendingFull:
			return
		case piece.NoMoreBlocks:
			if _, ok := p.selectPiece(); !ok {
				return
			}
			selections++
			continue
		}

		nb, e, ok := p.neighbors.Get(from)
		if !ok {
			return
		}
		if !p.alive(from) {
			p.removeNeighbor(from)
			return
		}
		if !nb.unchokedBy || !p.swarm.Has(e.slot, block.Piece()) || !p.pending.Add(block) {
			return
		}
		p.send(from, wire.Request{Block: block})
		p.askedFrom(block, from)
	}
}

func (p *Peer) handleRequest(from wire.PeerID, m wire.Request) {
	nb, _, ok := p.neighbors.Get(from)
	if !ok {
		return
	}
	p.seen(nb)
	if !p.uploads.Enqueue(m.Block, from) {
		p.logger.Debug("upload queue full", zap.Int64("from", int64(from)), zap.Stringer("block", m.Block))
	}
	p.serveQueue()
}

// serveQueue starts uploads until the queue is empty or MAX_UPLOADS are in
// flight.
func (p *Peer) serveQueue() {
	for !p.uploads.Empty() && p.uploadsInFlight < MAX_UPLOADS {
		req, _ := p.uploads.Dequeue()
		_, e, ok := p.neighbors.Get(req.Peer)
		if !ok || !p.alive(req.Peer) {
			continue
		}
		p.uploadsInFlight++
		e.uploaded++
		p.uploaded++
		p.stats.UpdatePeer(p.id, 1, 0)

		p.send(req.Peer, wire.Piece{Block: req.Block, Size: wire.BLOCK_PAYLOAD})
		p.schedule(p.transferTime(req.Peer), wire.DownloadCompleted{Peer: req.Peer})
	}
}

func rate(l Load) float64 {
	transfers := l.Uploads + l.Downloads
	if transfers < 1 {
		transfers = 1
	}
	return float64(l.Bandwidth) / float64(transfers)
}

// transferTime is the time needed to move one block to id when both ends
// share their bandwidth evenly among their transfers.
func (p *Peer) transferTime(id wire.PeerID) time.Duration {
	kbps := math.Min(rate(p.Load()), rate(p.env.Load(id)))
	if kbps <= 0 {
		kbps = 1
	}
	return time.Duration(float64(BLOCK_KBITS) / kbps * float64(time.Second))
}

func (p *Peer) handlePiece(from wire.PeerID, m wire.Piece) {
	if p.seeder {
		return
	}
	nb, e, ok := p.neighbors.Get(from)
	if !ok {
		return
	}
	p.seen(nb)
	e.downloaded++
	p.downloaded++
	p.stats.UpdatePeer(p.id, 0, 1)

	block := m.Block
	if p.pieces.WriteBlock(block) {
		p.pending.Remove(block)
		p.requestNextBlocks(from)
	} else if block.Piece() != p.pieces.Current() && !p.pieces.Owned(block.Piece()) {
		p.incoming.Enqueue(block, from)
	}
	p.cancelRequests(block, from)
	p.completePieces()
}

// cancelRequests tells every other peer asked for block that it arrived.
func (p *Peer) cancelRequests(block wire.BlockID, from wire.PeerID) {
	set, ok := p.requestedFrom[block]
	if !ok {
		return
	}
	delete(p.requestedFrom, block)

	ids := make([]wire.PeerID, 0, set.Cardinality())
	for _, v := range set.ToSlice() {
		ids = append(ids, v.(wire.PeerID))
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		if id == from || !p.alive(id) {
			continue
		}
		if _, ok := p.neighbors.Lookup(id); ok {
			p.send(id, wire.Cancel{Block: block})
		}
	}
}

func (p *Peer) completePieces() {
	for p.pieces.PieceCompleted() {
		done := p.pieces.Current()
		p.stats.PieceCompleted(p.id)

		p.broadcast(wire.Have{Piece: done}, nil)
		p.broadcast(wire.NotInterested{Piece: done}, func(slot int, _ *neighbor) bool {
			return p.swarm.Has(slot, done)
		})
		if p.pieces.LastInterested() == done {
			p.selectPiece()
		}

		completed, fileCompleted := p.pieces.Advance()
		p.logger.Info("piece completed",
			zap.Int("piece", done),
			zap.Int("completed", completed),
			zap.Int("pieces", p.pieces.NumPieces()))
		if fileCompleted {
			p.seeder = true
			p.stats.FileCompleted(p.id, p.env.Now())
			p.logger.Info("file completed", zap.Duration("at", p.env.Now()))
			return
		}
		p.drainIncoming()
	}
}

// drainIncoming replays every buffered block once against the new
// assembly target.
func (p *Peer) drainIncoming() {
	for m := p.incoming.Len(); m > 0; m-- {
		entry, _ := p.incoming.Dequeue()
		if _, ok := p.neighbors.Lookup(entry.Peer); !ok {
			continue
		}
		block := entry.Block
		switch {
		case p.pieces.WriteBlock(block):
			p.pending.Remove(block)
			p.requestNextBlocks(entry.Peer)
		case block.Piece() != p.pieces.Current():
			if !p.pieces.Owned(block.Piece()) {
				p.incoming.Enqueue(block, entry.Peer)
			}
		default:
			p.requestNextBlocks(entry.Peer)
		}
	}
}

func (p *Peer) handlePeerSet(m wire.PeerSet) {
	for i, id := range m.Peers {
		if i == p.cfg.PeersetSize {
			break
		}
		if id == p.id || !p.alive(id) {
			continue
		}
		if _, ok := p.neighbors.Lookup(id); ok {
			continue
		}
		if p.neighbors.Len()+p.bitfieldsInFlight >= p.neighbors.Capacity()-2 {
			return
		}
		p.send(id, p.bitfield(true, true))
		p.bitfieldsInFlight++
	}
}
