package peer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/torrent"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentMsg struct {
	from wire.PeerID
	to   wire.PeerID
	msg  wire.Message
}

type scheduledEv struct {
	delay  time.Duration
	ev     wire.Message
	target wire.PeerID
}

type mockEnv struct {
	mock.Mock
	now       time.Duration
	down      map[wire.PeerID]bool
	sent      []sentMsg
	scheduled []scheduledEv
}

func newMockEnv() *mockEnv {
	return &mockEnv{down: make(map[wire.PeerID]bool)}
}

func (m *mockEnv) Send(from, to wire.PeerID, msg wire.Message, pid int) {
	m.sent = append(m.sent, sentMsg{from, to, msg})
}

func (m *mockEnv) Schedule(delay time.Duration, ev wire.Message, target wire.PeerID, pid int) {
	m.scheduled = append(m.scheduled, scheduledEv{delay, ev, target})
}

func (m *mockEnv) IsUp(id wire.PeerID) bool {
	return !m.down[id]
}

func (m *mockEnv) Now() time.Duration {
	return m.now
}

func (m *mockEnv) Load(id wire.PeerID) Load {
	args := m.Called(id)
	return args.Get(0).(Load)
}

// sentTo returns the messages of kind sent to id.
func (m *mockEnv) sentTo(id wire.PeerID, kind wire.Kind) []wire.Message {
	msgs := make([]wire.Message, 0)
	for _, s := range m.sent {
		if s.to == id && s.msg.Kind() == kind {
			msgs = append(msgs, s.msg)
		}
	}
	return msgs
}

func (m *mockEnv) count(kind wire.Kind) int {
	n := 0
	for _, s := range m.sent {
		if s.msg.Kind() == kind {
			n++
		}
	}
	return n
}

func (m *mockEnv) reset() {
	m.sent = nil
	m.scheduled = nil
}

func testConfig() *torrent.Config {
	cfg := torrent.DefaultConfig()
	// three pieces
	cfg.FileSize = 1
	return cfg
}

func newTestPeer(t *testing.T) (*Peer, *mockEnv) {
	env := newMockEnv()
	p := NewPeer(1, 0, 1024, testConfig(), env, zaptest.NewLogger(t), nil, rand.New(rand.NewSource(1)))
	return p, env
}

func addNeighbor(t *testing.T, p *Peer, id wire.PeerID, pieces ...int) (*neighbor, *element) {
	_, ok := p.neighbors.Add(id, 0, p.env.Now())
	require.True(t, ok)
	nb, e, _ := p.neighbors.Get(id)
	bits := bitmap.New(p.NumPieces())
	for _, piece := range pieces {
		bits.Set(piece, true)
	}
	p.swarm.SetRow(e.slot, bits)
	e.isSeeder = p.swarm.IsSeeder(e.slot)
	return nb, e
}

func TestBitfieldHandshakeMergesCounts(t *testing.T) {
	p, env := newTestPeer(t)

	bits := bitmap.New(3)
	bits.Set(0, true)
	bits.Set(2, true)
	p.HandleMessage(7, wire.NewBitfield(true, true, 3, bits))

	assert.Equal(t, []wire.PeerID{7}, p.Neighbors())
	assert.Equal(t, []int{1, 0, 1}, p.RarestCounts())
	replies := env.sentTo(7, wire.BITFIELD)
	require.Len(t, replies, 1)
	reply := replies[0].(wire.Bitfield)
	assert.False(t, reply.Request)
	assert.True(t, reply.Ack)

	p.HandleMessage(7, wire.Have{Piece: 1})
	p.HandleMessage(7, wire.Have{Piece: 1})
	assert.Equal(t, []int{1, 1, 1}, p.RarestCounts())
	_, e, _ := p.neighbors.Get(7)
	assert.True(t, e.isSeeder)
	require.NoError(t, p.Check())

	p.removeNeighbor(7)
	assert.Equal(t, []int{0, 0, 0}, p.RarestCounts())
	assert.Equal(t, 0, p.NumNeighbors())
	require.NoError(t, p.Check())
}

func TestOverlappingHandshakesCountOwners(t *testing.T) {
	p, env := newTestPeer(t)
	p.HandleMessage(0, wire.PeerSet{Peers: []wire.PeerID{8}})
	require.Len(t, env.sentTo(8, wire.BITFIELD), 1)

	first := bitmap.New(3)
	first.Set(0, true)
	first.Set(2, true)
	p.HandleMessage(7, wire.NewBitfield(true, true, 3, first))

	second := bitmap.New(3)
	second.Set(0, true)
	second.Set(1, true)
	p.HandleMessage(8, wire.NewBitfield(false, true, 3, second))

	assert.Equal(t, []wire.PeerID{7, 8}, p.Neighbors())
	assert.Equal(t, []int{2, 1, 1}, p.RarestCounts())
	assert.Equal(t, 0, p.bitfieldsInFlight)
	require.NoError(t, p.Check())

	p.removeNeighbor(8)
	assert.Equal(t, []int{1, 0, 1}, p.RarestCounts())
	require.NoError(t, p.Check())
}

func TestBitfieldResponseCompletesHandshake(t *testing.T) {
	p, _ := newTestPeer(t)
	p.HandleMessage(0, wire.PeerSet{Peers: []wire.PeerID{1, 4, 5}})
	assert.Equal(t, 2, p.bitfieldsInFlight)

	p.HandleMessage(4, wire.NewBitfield(false, true, 3, bitmap.New(3)))
	p.HandleMessage(5, wire.NewBitfield(false, false, 3, nil))

	assert.Equal(t, 0, p.bitfieldsInFlight)
	assert.Equal(t, []wire.PeerID{4}, p.Neighbors())
}

func TestBitfieldRequestFromKnownPeer(t *testing.T) {
	p, env := newTestPeer(t)
	addNeighbor(t, p, 3)

	p.HandleMessage(3, wire.NewBitfield(true, true, 3, bitmap.New(3)))

	assert.Equal(t, 1, p.NumNeighbors())
	replies := env.sentTo(3, wire.BITFIELD)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].(wire.Bitfield).Ack)
}

func TestUnknownSenderIsResynced(t *testing.T) {
	p, env := newTestPeer(t)

	p.HandleMessage(9, wire.KeepAlive{})

	replies := env.sentTo(9, wire.BITFIELD)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].(wire.Bitfield).Request)
	assert.False(t, replies[0].(wire.Bitfield).Ack)
	assert.Equal(t, 1, p.bitfieldsInFlight)
}

func TestKeepAliveReply(t *testing.T) {
	p, env := newTestPeer(t)
	addNeighbor(t, p, 3)

	p.HandleMessage(3, wire.KeepAlive{})
	p.HandleMessage(3, wire.KeepAlive{Response: true})

	replies := env.sentTo(3, wire.KEEP_ALIVE)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].(wire.KeepAlive).Response)
}

func TestPeerSetRespectsHeadroom(t *testing.T) {
	p, env := newTestPeer(t)
	addNeighbor(t, p, 2)
	env.down[6] = true

	p.HandleMessage(0, wire.PeerSet{Peers: []wire.PeerID{1, 2, 5, 6, 8}})

	assert.Len(t, env.sentTo(5, wire.BITFIELD), 1)
	assert.Len(t, env.sentTo(8, wire.BITFIELD), 1)
	assert.Equal(t, 2, env.count(wire.BITFIELD))

	full, fullEnv := newTestPeer(t)
	for id := wire.PeerID(10); id < 10+wire.PeerID(full.neighbors.Capacity()-2); id++ {
		addNeighbor(t, full, id)
	}
	full.HandleMessage(0, wire.PeerSet{Peers: []wire.PeerID{2, 3}})
	assert.Equal(t, 0, fullEnv.count(wire.BITFIELD))
}

func TestStartAfterThreshold(t *testing.T) {
	p, env := newTestPeer(t)
	for id := wire.PeerID(2); id < 11; id++ {
		p.HandleMessage(id, wire.NewBitfield(true, true, 3, bitmap.New(3)))
	}
	assert.False(t, p.started)

	bits := bitmap.New(3)
	for i := 0; i < 3; i++ {
		bits.Set(i, true)
	}
	p.HandleMessage(11, wire.NewBitfield(true, true, 3, bits))

	assert.True(t, p.started)
	assert.NotEqual(t, wire.NoPiece, p.pieces.Current())
	assert.Len(t, env.sentTo(11, wire.INTERESTED), 1)
	assert.Equal(t, 1, env.count(wire.INTERESTED))
}

func TestUnchokeRequestsBlocks(t *testing.T) {
	p, env := newTestPeer(t)
	p.started = true
	p.pieces.Begin(0)
	addNeighbor(t, p, 2, 0, 1, 2)

	p.HandleMessage(2, wire.Unchoke{})

	requests := env.sentTo(2, wire.REQUEST)
	require.Len(t, requests, 5)
	for i, msg := range requests {
		assert.Equal(t, wire.EncodeBlock(0, i), msg.(wire.Request).Block)
	}
	assert.True(t, p.pending.Full())

	// a second unchoke re-sends the newest pending request only
	env.reset()
	p.HandleMessage(2, wire.Unchoke{})
	requests = env.sentTo(2, wire.REQUEST)
	require.Len(t, requests, 1)
	assert.Equal(t, wire.EncodeBlock(0, 4), requests[0].(wire.Request).Block)
}

func TestNoRequestWhileChoked(t *testing.T) {
	p, env := newTestPeer(t)
	p.started = true
	p.pieces.Begin(0)
	addNeighbor(t, p, 2, 0)

	p.HandleMessage(2, wire.Choke{})
	p.requestNextBlocks(2)

	assert.Equal(t, 0, env.count(wire.REQUEST))
}

func TestUploadsBoundedInFlight(t *testing.T) {
	p, env := newTestPeer(t)
	p.Seed()
	addNeighbor(t, p, 2)
	env.On("Load", wire.PeerID(2)).Return(Load{Bandwidth: 256})

	for b := 0; b < MAX_UPLOADS+2; b++ {
		p.HandleMessage(2, wire.Request{Block: wire.EncodeBlock(0, b)})
	}

	assert.Len(t, env.sentTo(2, wire.PIECE), MAX_UPLOADS)
	assert.Equal(t, MAX_UPLOADS, p.uploadsInFlight)
	assert.Equal(t, 2, p.uploads.Len())
	require.NotEmpty(t, env.scheduled)
	last := env.scheduled[len(env.scheduled)-1]
	assert.Equal(t, wire.PeerID(1), last.target)
	assert.Equal(t, wire.DOWNLOAD_COMPLETED, last.ev.Kind())
	assert.True(t, last.delay > 0)

	p.HandleMessage(1, wire.DownloadCompleted{Peer: 2})
	assert.Len(t, env.sentTo(2, wire.PIECE), MAX_UPLOADS+1)
	assert.Equal(t, 1, p.uploads.Len())

	p.HandleMessage(2, wire.Cancel{Block: wire.EncodeBlock(0, MAX_UPLOADS+1)})
	assert.Equal(t, 0, p.uploads.Len())
	env.AssertExpectations(t)
}

func TestTransferTimeUsesSlowerEnd(t *testing.T) {
	p, env := newTestPeer(t)
	env.On("Load", wire.PeerID(2)).Return(Load{Bandwidth: 128, Uploads: 1, Downloads: 1})

	// 1024 Kbps locally, 64 Kbps per transfer remotely
	assert.Equal(t, 2*time.Second, p.transferTime(2))
}

func TestDuplicatePieceIsIgnored(t *testing.T) {
	p, _ := newTestPeer(t)
	p.started = true
	p.pieces.Begin(0)
	addNeighbor(t, p, 2, 0)

	block := wire.EncodeBlock(0, 3)
	p.HandleMessage(2, wire.Piece{Block: block, Size: wire.BLOCK_PAYLOAD})
	p.HandleMessage(2, wire.Piece{Block: block, Size: wire.BLOCK_PAYLOAD})

	assert.Equal(t, 1, p.pieces.Status(0))
	assert.Equal(t, 0, p.incoming.Len())
	assert.Equal(t, 2, p.Downloaded())
}

func TestPieceCompletion(t *testing.T) {
	p, env := newTestPeer(t)
	p.started = true
	p.pieces.Begin(0)
	_, a := addNeighbor(t, p, 2, 0, 1, 2)
	addNeighbor(t, p, 3)
	p.neighbors.slots[a.slot].unchokedBy = true

	for b := 0; b < wire.BLOCKS_PER_PIECE-1; b++ {
		require.True(t, p.pieces.WriteBlock(wire.EncodeBlock(0, b)))
	}
	p.incoming.Enqueue(wire.EncodeBlock(1, 7), 2)
	p.incoming.Enqueue(wire.EncodeBlock(2, 7), 2)
	p.askedFrom(wire.EncodeBlock(0, 15), 2)
	p.askedFrom(wire.EncodeBlock(0, 15), 3)

	p.HandleMessage(2, wire.Piece{Block: wire.EncodeBlock(0, 15), Size: wire.BLOCK_PAYLOAD})

	assert.Equal(t, 1, p.Completed())
	assert.True(t, p.Bitfield().Get(0))
	assert.Len(t, env.sentTo(2, wire.HAVE), 1)
	assert.Len(t, env.sentTo(3, wire.HAVE), 1)
	assert.Len(t, env.sentTo(2, wire.NOT_INTERESTED), 1)
	assert.Empty(t, env.sentTo(3, wire.NOT_INTERESTED))
	assert.Len(t, env.sentTo(3, wire.CANCEL), 1)
	assert.Empty(t, env.sentTo(2, wire.CANCEL))

	// the next target is piece 1 or 2; its buffered block was written and
	// the other one went back to the buffer
	next := p.pieces.Current()
	require.Contains(t, []int{1, 2}, next)
	assert.Equal(t, 1, p.pieces.Status(next))
	require.Equal(t, 1, p.incoming.Len())
	assert.NotEqual(t, next, p.incoming.Entries()[0].Block.Piece())
	require.NoError(t, p.Check())
}

func TestFileCompletion(t *testing.T) {
	p, _ := newTestPeer(t)
	p.started = true
	addNeighbor(t, p, 2, 0, 1, 2)
	p.pieces.SetPieceComplete(0)
	p.pieces.SetPieceComplete(1)
	p.pieces.Begin(2)
	for b := 0; b < wire.BLOCKS_PER_PIECE; b++ {
		p.HandleMessage(2, wire.Piece{Block: wire.EncodeBlock(2, b), Size: wire.BLOCK_PAYLOAD})
	}

	assert.True(t, p.IsSeeder())
	assert.Equal(t, 3, p.Completed())
	assert.Equal(t, 1, p.stats.GetTotals().FilesCompleted)
}

func TestTrackerAnswersWithPeerSet(t *testing.T) {
	env := newMockEnv()
	cfg := testConfig()
	cfg.PeersetSize = 2
	tr := NewTracker(0, cfg, env, zaptest.NewLogger(t), nil, rand.New(rand.NewSource(1)))
	for id := wire.PeerID(1); id < 5; id++ {
		require.True(t, tr.Register(id))
	}

	tr.HandleMessage(9, wire.Tracker{})

	assert.Contains(t, tr.Neighbors(), wire.PeerID(9))
	replies := env.sentTo(9, wire.PEERSET)
	require.Len(t, replies, 1)
	peers := replies[0].(wire.PeerSet).Peers
	assert.Len(t, peers, 2)
	assert.NotContains(t, peers, wire.PeerID(9))

	env.down[8] = true
	tr.HandleMessage(8, wire.Tracker{})
	assert.Empty(t, env.sentTo(8, wire.PEERSET))
}
