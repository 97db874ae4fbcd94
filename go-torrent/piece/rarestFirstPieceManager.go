package piece

import (
	"math/rand"

	"github.com/Charana123/torrent-sim/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
)

type rarestFirst struct {
	numPieces      int
	swarm          *Swarm
	clientBitField bitmap.Bitmap
	// blocks received per piece, complete at wire.BLOCKS_PER_PIECE
	status []int
	// which block of which piece fills each block position of the piece
	// being assembled
	blockMap       [wire.BLOCKS_PER_PIECE]wire.BlockID
	completed      int
	current        int
	lastInterested int
	rng            *rand.Rand
}

func NewRarestFirstPieceManager(swarm *Swarm, rng *rand.Rand) PieceManager {
	pm := &rarestFirst{
		numPieces:      swarm.NumPieces(),
		swarm:          swarm,
		clientBitField: bitmap.New(swarm.NumPieces()),
		status:         make([]int, swarm.NumPieces()),
		current:        wire.NoPiece,
		lastInterested: wire.NoPiece,
		rng:            rng,
	}
	for i := range pm.blockMap {
		pm.blockMap[i] = wire.NoBlock
	}
	return pm
}

func (pm *rarestFirst) NumPieces() int {
	return pm.numPieces
}

func (pm *rarestFirst) GetPiecesDownloaded() int {
	return pm.completed
}

func (pm *rarestFirst) GetBitField() bitmap.Bitmap {
	return pm.clientBitField
}

func (pm *rarestFirst) Status(piece int) int {
	return pm.status[piece]
}

func (pm *rarestFirst) Owned(piece int) bool {
	return piece >= 0 && piece < pm.numPieces && pm.status[piece] == wire.BLOCKS_PER_PIECE
}

func (pm *rarestFirst) Current() int {
	return pm.current
}

func (pm *rarestFirst) LastInterested() int {
	return pm.lastInterested
}

func (pm *rarestFirst) Begin(piece int) {
	pm.current = piece
	pm.lastInterested = piece
}

func (pm *rarestFirst) ChoosePiece() (int, bool) {
	var piece int
	var ok bool
	if pm.completed < RANDOM_FIRST_PIECES {
		piece, ok = pm.randomPiece()
	} else {
		piece, ok = pm.rarestPiece()
	}
	if ok {
		pm.lastInterested = piece
	}
	return piece, ok
}

func (pm *rarestFirst) randomPiece() (int, bool) {
	candidates := make([]int, 0, pm.numPieces)
	for p := 0; p < pm.numPieces; p++ {
		if pm.status[p] != wire.BLOCKS_PER_PIECE && p != pm.current && p != pm.lastInterested {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return wire.NoPiece, false
	}
	return candidates[pm.rng.Intn(len(candidates))], true
}

func (pm *rarestFirst) rarestPiece() (int, bool) {
	rarest := make([]int, 0)
	for p := 0; p < pm.numPieces; p++ {
		if pm.status[p] != 0 || p == pm.current || p == pm.lastInterested {
			continue
		}
		if len(rarest) == 0 || pm.swarm.Count(p) < pm.swarm.Count(rarest[0]) {
			rarest = append(rarest[:0], p)
		} else if pm.swarm.Count(p) == pm.swarm.Count(rarest[0]) {
			rarest = append(rarest, p)
		}
	}
	if len(rarest) == 0 {
		return wire.NoPiece, false
	}
	return rarest[pm.rng.Intn(len(rarest))], true
}

func (pm *rarestFirst) ChooseBlock(pending PendingView) (wire.BlockID, BlockStatus) {
	if pending.Full() {
		return wire.NoBlock, PendingFull
	}
	if pm.lastInterested == wire.NoPiece {
		return wire.NoBlock, NoMoreBlocks
	}
	j := 0
	if newest := pending.Newest(); newest.Piece() == pm.lastInterested {
		j = newest.Block() + 1
	}
	for j < wire.BLOCKS_PER_PIECE && pm.blockMap[j].Piece() == pm.lastInterested {
		j++
	}
	if j >= wire.BLOCKS_PER_PIECE {
		return wire.NoBlock, NoMoreBlocks
	}
	return wire.EncodeBlock(pm.lastInterested, j), BlockAvailable
}

func (pm *rarestFirst) WriteBlock(block wire.BlockID) bool {
	piece, b := block.Piece(), block.Block()
	if pm.current == wire.NoPiece || piece != pm.current || b < 0 || b >= wire.BLOCKS_PER_PIECE {
		return false
	}
	if pm.blockMap[b].Piece() == piece {
		return false
	}
	pm.blockMap[b] = block
	pm.status[piece]++
	return true
}

func (pm *rarestFirst) PieceCompleted() bool {
	return pm.current != wire.NoPiece && pm.status[pm.current] == wire.BLOCKS_PER_PIECE
}

func (pm *rarestFirst) Advance() (int, bool) {
	pm.completed++
	pm.clientBitField.Set(pm.current, true)
	if pm.lastInterested == pm.current {
		pm.current = wire.NoPiece
	} else {
		pm.current = pm.lastInterested
	}
	return pm.completed, pm.completed == pm.numPieces
}

func (pm *rarestFirst) SetPieceComplete(piece int) {
	if pm.status[piece] == wire.BLOCKS_PER_PIECE {
		return
	}
	pm.status[piece] = wire.BLOCKS_PER_PIECE
	pm.completed++
	pm.clientBitField.Set(piece, true)
}
