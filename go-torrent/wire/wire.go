package wire

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

type Kind uint8

const (
	KEEP_ALIVE Kind = iota + 1
	CHOKE
	UNCHOKE
	INTERESTED
	NOT_INTERESTED
	HAVE
	BITFIELD
	REQUEST
	PIECE
	CANCEL
	TRACKER
	PEERSET
	CHOKE_TIME
	OPTUNCHK_TIME
	ANTISNUB_TIME
	CHECKALIVE_TIME
	TRACKERALIVE_TIME
	DOWNLOAD_COMPLETED
)

var kindNames = map[Kind]string{
	KEEP_ALIVE:         "keep-alive",
	CHOKE:              "choke",
	UNCHOKE:            "unchoke",
	INTERESTED:         "interested",
	NOT_INTERESTED:     "not-interested",
	HAVE:               "have",
	BITFIELD:           "bitfield",
	REQUEST:            "request",
	PIECE:              "piece",
	CANCEL:             "cancel",
	TRACKER:            "tracker",
	PEERSET:            "peerset",
	CHOKE_TIME:         "choke-time",
	OPTUNCHK_TIME:      "optunchk-time",
	ANTISNUB_TIME:      "antisnub-time",
	CHECKALIVE_TIME:    "checkalive-time",
	TRACKERALIVE_TIME:  "trackeralive-time",
	DOWNLOAD_COMPLETED: "download-completed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds lists every message kind in wire order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := KEEP_ALIVE; k <= DOWNLOAD_COMPLETED; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// PeerID is an opaque handle for a node of the simulated network.
type PeerID int64

const NoPeer PeerID = -1

const (
	BLOCKS_PER_PIECE = 16
	// BLOCK_PAYLOAD is the advertised size of a PIECE message in bytes.
	BLOCK_PAYLOAD = 16 * 8 * 1024
	NoPiece       = -1
)

// BlockID packs a piece index and a block index as piece*100+block.
type BlockID int32

const NoBlock BlockID = -1

func EncodeBlock(piece, block int) BlockID {
	return BlockID(piece*100 + block)
}

// Decode returns the piece (part 0) or the block (part 1) of value.
func Decode(value BlockID, part int) int {
	if value == NoBlock {
		return -1
	}
	if part == 0 {
		return int(value) / 100
	}
	return int(value) % 100
}

func (b BlockID) Piece() int {
	return Decode(b, 0)
}

func (b BlockID) Block() int {
	return Decode(b, 1)
}

func (b BlockID) String() string {
	if b == NoBlock {
		return "none"
	}
	return fmt.Sprintf("%d/%d", b.Piece(), b.Block())
}

// Message is implemented by every protocol message and timer event.
type Message interface {
	Kind() Kind
	isMessage()
}

type KeepAlive struct {
	Response bool
}

type Choke struct{}

type Unchoke struct{}

type Interested struct {
	Piece int
}

type NotInterested struct {
	Piece int
}

type Have struct {
	Piece int
}

// Bitfield carries the sender's completed pieces. Request distinguishes a
// handshake request from its response, Ack a granted slot from a refusal.
type Bitfield struct {
	Request bool
	Ack     bool
	Pieces  int
	Bits    bitmap.Bitmap
}

type Request struct {
	Block BlockID
}

type Piece struct {
	Block BlockID
	Size  int
}

type Cancel struct {
	Block BlockID
}

type Tracker struct{}

type PeerSet struct {
	Peers []PeerID
}

type ChokeTick struct{}

type OptimisticTick struct{}

type AntiSnubTick struct{}

type CheckAliveTick struct{}

type TrackerAliveTick struct{}

// DownloadCompleted is scheduled by an uploader to itself once the transfer
// of a block to Peer is over.
type DownloadCompleted struct {
	Peer PeerID
}

func (KeepAlive) Kind() Kind         { return KEEP_ALIVE }
func (Choke) Kind() Kind             { return CHOKE }
func (Unchoke) Kind() Kind           { return UNCHOKE }
func (Interested) Kind() Kind        { return INTERESTED }
func (NotInterested) Kind() Kind     { return NOT_INTERESTED }
func (Have) Kind() Kind              { return HAVE }
func (Bitfield) Kind() Kind          { return BITFIELD }
func (Request) Kind() Kind           { return REQUEST }
func (Piece) Kind() Kind             { return PIECE }
func (Cancel) Kind() Kind            { return CANCEL }
func (Tracker) Kind() Kind           { return TRACKER }
func (PeerSet) Kind() Kind           { return PEERSET }
func (ChokeTick) Kind() Kind         { return CHOKE_TIME }
func (OptimisticTick) Kind() Kind    { return OPTUNCHK_TIME }
func (AntiSnubTick) Kind() Kind      { return ANTISNUB_TIME }
func (CheckAliveTick) Kind() Kind    { return CHECKALIVE_TIME }
func (TrackerAliveTick) Kind() Kind  { return TRACKERALIVE_TIME }
func (DownloadCompleted) Kind() Kind { return DOWNLOAD_COMPLETED }

func (KeepAlive) isMessage()         {}
func (Choke) isMessage()             {}
func (Unchoke) isMessage()           {}
func (Interested) isMessage()        {}
func (NotInterested) isMessage()     {}
func (Have) isMessage()              {}
func (Bitfield) isMessage()          {}
func (Request) isMessage()           {}
func (Piece) isMessage()             {}
func (Cancel) isMessage()            {}
func (Tracker) isMessage()           {}
func (PeerSet) isMessage()           {}
func (ChokeTick) isMessage()         {}
func (OptimisticTick) isMessage()    {}
func (AntiSnubTick) isMessage()      {}
func (CheckAliveTick) isMessage()    {}
func (TrackerAliveTick) isMessage()  {}
func (DownloadCompleted) isMessage() {}

// IsTimer reports whether msg is a self-scheduled event rather than a
// message exchanged between nodes.
func IsTimer(msg Message) bool {
	return msg.Kind() >= CHOKE_TIME
}

// NewBitfield copies the first numPieces bits of bits into a fresh message.
func NewBitfield(request, ack bool, numPieces int, bits bitmap.Bitmap) Bitfield {
	cp := bitmap.New(numPieces)
	for i := 0; i < numPieces && i < bits.Len(); i++ {
		cp.Set(i, bits.Get(i))
	}
	return Bitfield{
		Request: request,
		Ack:     ack,
		Pieces:  numPieces,
		Bits:    cp,
	}
}

// Has reports whether the sender completed piece i.
func (b Bitfield) Has(i int) bool {
	if i < 0 || i >= b.Pieces || i >= b.Bits.Len() {
		return false
	}
	return b.Bits.Get(i)
}
