package storage

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	bitmap "github.com/boljen/go-bitmap"
	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

const (
	ROLE_TRACKER = "tracker"
	ROLE_SEEDER  = "seeder"
	ROLE_LEECHER = "leecher"
)

// Snapshot is the state of one node at the end of a run.
type Snapshot struct {
	RunID      string `bencode:"run_id"`
	ID         int64  `bencode:"id"`
	Role       string `bencode:"role"`
	Completed  int    `bencode:"completed"`
	Neighbors  int    `bencode:"neighbors"`
	Uploaded   int    `bencode:"uploaded"`
	Downloaded int    `bencode:"downloaded"`
	// one character per piece, '1' if owned
	Pieces string `bencode:"pieces"`
}

type Storage interface {
	WriteSnapshot(s Snapshot) error
	ReadSnapshot(runID string, id int64) (Snapshot, error)
	ListSnapshots(runID string) ([]Snapshot, error)
}

type fileStorage struct {
	fs  afero.Fs
	dir string
}

// NewFileStorage keeps snapshots under dir on fs, one directory per run.
// A nil fs is the operating system's.
func NewFileStorage(fs afero.Fs, dir string) Storage {
	if fs == nil {
		fs = appFS
	}
	return &fileStorage{fs: fs, dir: dir}
}

func (s *fileStorage) runDir(runID string) string {
	return path.Join(s.dir, runID)
}

func (s *fileStorage) snapshotPath(runID string, id int64) string {
	return path.Join(s.runDir(runID), fmt.Sprintf("node-%d.bencode", id))
}

func (s *fileStorage) WriteSnapshot(snap Snapshot) error {
	if snap.RunID == "" {
		return errors.New("snapshot without run id")
	}
	if err := s.fs.MkdirAll(s.runDir(snap.RunID), 0755); err != nil {
		return errors.Wrapf(err, "creating run directory %s", snap.RunID)
	}
	p := s.snapshotPath(snap.RunID, snap.ID)
	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", p)
	}
	defer f.Close()
	return errors.Wrapf(bencode.Marshal(f, snap), "encoding %s", p)
}

func (s *fileStorage) ReadSnapshot(runID string, id int64) (Snapshot, error) {
	return s.read(s.snapshotPath(runID, id))
}

func (s *fileStorage) read(p string) (Snapshot, error) {
	snap := Snapshot{}
	f, err := s.fs.Open(p)
	if err != nil {
		return snap, errors.Wrapf(err, "opening %s", p)
	}
	defer f.Close()
	if err := bencode.Unmarshal(f, &snap); err != nil {
		return snap, errors.Wrapf(err, "decoding %s", p)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot of a run ordered by node id.
func (s *fileStorage) ListSnapshots(runID string) ([]Snapshot, error) {
	infos, err := afero.ReadDir(s.fs, s.runDir(runID))
	if err != nil {
		return nil, errors.Wrapf(err, "listing run %s", runID)
	}
	snaps := make([]Snapshot, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".bencode") {
			continue
		}
		snap, err := s.read(path.Join(s.runDir(runID), info.Name()))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ID < snaps[j].ID
	})
	return snaps, nil
}

// FormatPieces renders the first n bits of bits as a string of '0' and '1'.
func FormatPieces(bits bitmap.Bitmap, n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		if i < bits.Len() && bits.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// ParsePieces is the inverse of FormatPieces.
func ParsePieces(s string) (bitmap.Bitmap, error) {
	bits := bitmap.New(len(s))
	for i, c := range s {
		switch c {
		case '1':
			bits.Set(i, true)
		case '0':
		default:
			return nil, errors.Errorf("invalid piece flag %q at %d", c, i)
		}
	}
	return bits, nil
}
