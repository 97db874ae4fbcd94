package wire

import (
	"bytes"
	"io"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockEncoding(t *testing.T) {
	b := EncodeBlock(12, 7)
	assert.Equal(t, BlockID(1207), b)
	assert.Equal(t, 12, Decode(b, 0))
	assert.Equal(t, 7, Decode(b, 1))
	assert.Equal(t, 12, b.Piece())
	assert.Equal(t, 7, b.Block())

	assert.Equal(t, -1, Decode(NoBlock, 0))
	assert.Equal(t, -1, Decode(NoBlock, 1))
	assert.Equal(t, 0, EncodeBlock(0, 0).Piece())
	assert.Equal(t, 15, EncodeBlock(0, 15).Block())
}

func TestNewBitfieldCopiesBits(t *testing.T) {
	bits := bitmap.New(10)
	bits.Set(3, true)
	bits.Set(9, true)

	bf := NewBitfield(true, true, 10, bits)
	bits.Set(3, false)

	assert.True(t, bf.Has(3))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(4))
	assert.False(t, bf.Has(10))
	assert.False(t, bf.Has(-1))
}

func TestMarshalBitfield(t *testing.T) {
	bits := bitmap.New(20)
	bits.Set(0, true)
	bits.Set(19, true)

	data, err := Marshal(NewBitfield(false, true, 20, bits))
	require.NoError(t, err)

	msg, err := ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)
	bf, ok := msg.(Bitfield)
	require.True(t, ok)
	assert.False(t, bf.Request)
	assert.True(t, bf.Ack)
	assert.Equal(t, 20, bf.Pieces)
	for i := 0; i < 20; i++ {
		assert.Equal(t, i == 0 || i == 19, bf.Has(i), "piece %d", i)
	}
}

func TestFrameStream(t *testing.T) {
	frames := []Frame{
		{At: 10 * time.Millisecond, From: 1, To: 2, Msg: KeepAlive{Response: true}},
		{At: 20 * time.Millisecond, From: 2, To: 1, Msg: Request{Block: EncodeBlock(3, 4)}},
		{At: 30 * time.Millisecond, From: 1, To: 2, Msg: Piece{Block: EncodeBlock(3, 4), Size: BLOCK_PAYLOAD}},
		{At: 40 * time.Millisecond, From: 0, To: 5, Msg: PeerSet{Peers: []PeerID{1, 2, 3}}},
		{At: 50 * time.Millisecond, From: 5, To: 5, Msg: DownloadCompleted{Peer: 2}},
		{At: 60 * time.Millisecond, From: 5, To: 5, Msg: ChokeTick{}},
	}

	b := &bytes.Buffer{}
	for _, f := range frames {
		require.NoError(t, WriteFrame(b, f))
	}

	var got []Frame
	for {
		f, err := ReadFrame(b)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}
	assert.Equal(t, frames, got)
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.Error(t, err)

	_, err = Unmarshal([]byte{99})
	assert.Error(t, err)

	_, err = Unmarshal([]byte{uint8(HAVE), 0, 1})
	assert.Error(t, err)

	_, err = Unmarshal([]byte{uint8(PEERSET), 0, 0, 0, 5, 0, 0})
	assert.Error(t, err)

	_, err = ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestCorruptLengthsAreRejected(t *testing.T) {
	// two billion pieces backed by one byte
	_, err := Unmarshal([]byte{uint8(BITFIELD), flagAck, 0x7f, 0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = Unmarshal([]byte{uint8(BITFIELD), flagAck, 0, 0, 0, 9, 0xff})
	assert.Error(t, err)

	msg, err := Unmarshal([]byte{uint8(BITFIELD), flagAck, 0, 0, 0, 8, 0xff})
	require.NoError(t, err)
	assert.Equal(t, 8, msg.(Bitfield).Pieces)

	_, err = ReadMessage(bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff, uint8(HAVE)}))
	assert.Error(t, err)
}

func TestTimersAreNotWireMessages(t *testing.T) {
	assert.True(t, IsTimer(ChokeTick{}))
	assert.True(t, IsTimer(DownloadCompleted{}))
	assert.False(t, IsTimer(PeerSet{}))
	assert.Equal(t, "not-interested", NotInterested{}.Kind().String())
	assert.Len(t, Kinds(), 18)
}
