package piece

import (
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
)

var (
	// Pieces picked uniformly at random before switching to rarest first.
	RANDOM_FIRST_PIECES = 4
)

type BlockStatus int

const (
	BlockAvailable BlockStatus = iota
	PendingFull
	NoMoreBlocks
)

func (s BlockStatus) String() string {
	switch s {
	case BlockAvailable:
		return "available"
	case PendingFull:
		return "pending-full"
	}
	return "no-more-blocks"
}

// PendingView is the part of the outstanding request table the block
// chooser needs.
type PendingView interface {
	Full() bool
	Newest() wire.BlockID
}

type PieceManager interface {
	NumPieces() int
	GetPiecesDownloaded() (piecesDownloaded int)
	GetBitField() (clientBitfield bitmap.Bitmap)
	Status(piece int) (blocks int)
	Owned(piece int) bool
	Current() int
	LastInterested() int

	// Begin makes piece both the assembly target and the last requested piece.
	Begin(piece int)
	ChoosePiece() (piece int, ok bool)
	ChooseBlock(pending PendingView) (block wire.BlockID, status BlockStatus)
	WriteBlock(block wire.BlockID) (accepted bool)
	PieceCompleted() bool
	// Advance counts the current piece as completed and moves the assembly
	// target to the last requested piece.
	Advance() (completed int, fileCompleted bool)
	SetPieceComplete(piece int)
}
