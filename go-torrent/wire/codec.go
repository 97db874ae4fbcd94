package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

const (
	flagRequest = 1 << 0
	flagAck     = 1 << 1
	// Upper bound on an encoded message, larger lengths are corrupt.
	MAX_MESSAGE_LENGTH = 1 << 20
)

// Frame is a message as it travelled between two nodes at a virtual time.
type Frame struct {
	At   time.Duration
	From PeerID
	To   PeerID
	Msg  Message
}

// Marshal encodes msg as <length><kind><payload> with big-endian integers.
func Marshal(msg Message) ([]byte, error) {
	payload := &bytes.Buffer{}
	switch m := msg.(type) {
	case KeepAlive:
		var response uint8
		if m.Response {
			response = 1
		}
		binary.Write(payload, binary.BigEndian, response)
	case Interested:
		binary.Write(payload, binary.BigEndian, int32(m.Piece))
	case NotInterested:
		binary.Write(payload, binary.BigEndian, int32(m.Piece))
	case Have:
		binary.Write(payload, binary.BigEndian, int32(m.Piece))
	case Bitfield:
		var flags uint8
		if m.Request {
			flags |= flagRequest
		}
		if m.Ack {
			flags |= flagAck
		}
		binary.Write(payload, binary.BigEndian, flags)
		binary.Write(payload, binary.BigEndian, int32(m.Pieces))
		data := make([]byte, len(bitmap.New(m.Pieces)))
		copy(data, m.Bits.Data(false))
		binary.Write(payload, binary.BigEndian, data)
	case Request:
		binary.Write(payload, binary.BigEndian, int32(m.Block))
	case Piece:
		binary.Write(payload, binary.BigEndian, int32(m.Block))
		binary.Write(payload, binary.BigEndian, int32(m.Size))
	case Cancel:
		binary.Write(payload, binary.BigEndian, int32(m.Block))
	case PeerSet:
		binary.Write(payload, binary.BigEndian, int32(len(m.Peers)))
		for _, id := range m.Peers {
			binary.Write(payload, binary.BigEndian, int64(id))
		}
	case DownloadCompleted:
		binary.Write(payload, binary.BigEndian, int64(m.Peer))
	case Choke, Unchoke, Tracker, ChokeTick, OptimisticTick, AntiSnubTick, CheckAliveTick, TrackerAliveTick:
	default:
		return nil, errors.Errorf("cannot marshal message %T", msg)
	}

	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+payload.Len()))
	binary.Write(b, binary.BigEndian, uint8(msg.Kind()))
	b.Write(payload.Bytes())
	return b.Bytes(), nil
}

// Unmarshal decodes the <kind><payload> part of a message.
func Unmarshal(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}
	kind := Kind(data[0])
	r := bytes.NewReader(data[1:])

	readInt := func() (int32, error) {
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, errors.Wrapf(err, "reading %s", kind)
	}

	switch kind {
	case KEEP_ALIVE:
		var response uint8
		if err := binary.Read(r, binary.BigEndian, &response); err != nil {
			return nil, errors.Wrap(err, "reading keep-alive")
		}
		return KeepAlive{Response: response == 1}, nil
	case CHOKE:
		return Choke{}, nil
	case UNCHOKE:
		return Unchoke{}, nil
	case INTERESTED, NOT_INTERESTED, HAVE:
		v, err := readInt()
		if err != nil {
			return nil, err
		}
		switch kind {
		case INTERESTED:
			return Interested{Piece: int(v)}, nil
		case NOT_INTERESTED:
			return NotInterested{Piece: int(v)}, nil
		}
		return Have{Piece: int(v)}, nil
	case BITFIELD:
		var flags uint8
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return nil, errors.Wrap(err, "reading bitfield flags")
		}
		pieces, err := readInt()
		if err != nil {
			return nil, err
		}
		if pieces < 0 || (int(pieces)+7)/8 > r.Len() {
			return nil, errors.Errorf("bitfield of %d pieces does not fit in %d bytes", pieces, r.Len())
		}
		bits := bitmap.New(int(pieces))
		if _, err := io.ReadFull(r, bits); err != nil {
			return nil, errors.Wrap(err, "reading bitfield")
		}
		return Bitfield{
			Request: flags&flagRequest != 0,
			Ack:     flags&flagAck != 0,
			Pieces:  int(pieces),
			Bits:    bits,
		}, nil
	case REQUEST, CANCEL:
		v, err := readInt()
		if err != nil {
			return nil, err
		}
		if kind == REQUEST {
			return Request{Block: BlockID(v)}, nil
		}
		return Cancel{Block: BlockID(v)}, nil
	case PIECE:
		block, err := readInt()
		if err != nil {
			return nil, err
		}
		size, err := readInt()
		if err != nil {
			return nil, err
		}
		return Piece{Block: BlockID(block), Size: int(size)}, nil
	case TRACKER:
		return Tracker{}, nil
	case PEERSET:
		n, err := readInt()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n)*8 > r.Len() {
			return nil, errors.Errorf("peerset of %d peers does not fit in %d bytes", n, r.Len())
		}
		peers := make([]PeerID, n)
		for i := range peers {
			var id int64
			binary.Read(r, binary.BigEndian, &id)
			peers[i] = PeerID(id)
		}
		return PeerSet{Peers: peers}, nil
	case CHOKE_TIME:
		return ChokeTick{}, nil
	case OPTUNCHK_TIME:
		return OptimisticTick{}, nil
	case ANTISNUB_TIME:
		return AntiSnubTick{}, nil
	case CHECKALIVE_TIME:
		return CheckAliveTick{}, nil
	case TRACKERALIVE_TIME:
		return TrackerAliveTick{}, nil
	case DOWNLOAD_COMPLETED:
		var id int64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, errors.Wrap(err, "reading download-completed")
		}
		return DownloadCompleted{Peer: PeerID(id)}, nil
	}
	return nil, errors.Errorf("unknown message kind %d", uint8(kind))
}

func WriteMessage(w io.Writer, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "writing message")
}

func ReadMessage(r io.Reader) (Message, error) {
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length <= 0 || length > MAX_MESSAGE_LENGTH {
		return nil, errors.Errorf("invalid message length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "reading message body")
	}
	return Unmarshal(data)
}

// WriteFrame prefixes the encoded message with its delivery time and
// endpoints.
func WriteFrame(w io.Writer, f Frame) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int64(f.At))
	binary.Write(b, binary.BigEndian, int64(f.From))
	binary.Write(b, binary.BigEndian, int64(f.To))
	if _, err := w.Write(b.Bytes()); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	return WriteMessage(w, f.Msg)
}

// ReadFrame returns io.EOF once r is exhausted on a frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var header struct {
		At   int64
		From int64
		To   int64
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrap(err, "reading frame header")
	}
	msg, err := ReadMessage(r)
	if err != nil {
		return Frame{}, errors.Wrap(err, "reading frame message")
	}
	return Frame{
		At:   time.Duration(header.At),
		From: PeerID(header.From),
		To:   PeerID(header.To),
		Msg:  msg,
	}, nil
}
