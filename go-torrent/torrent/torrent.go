package torrent

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	bencode "github.com/jackpal/bencode-go"
)

const (
	// Bytes per piece of the simulated file.
	PIECE_LENGTH = 256000
)

// Config parameterises one simulated swarm. It is read from a bencoded
// dictionary so the same tooling that reads metainfo files can read it.
type Config struct {
	// Size of the shared file in MB.
	FileSize           int `bencode:"file_size"`
	MaxSwarmSize       int `bencode:"max_swarm_size"`
	PeersetSize        int `bencode:"peerset_size"`
	MaxGrowth          int `bencode:"max_growth"`
	DuplicatedRequests int `bencode:"duplicated_requests"`
	// Protocol id handed to the transport on every send.
	Transport int `bencode:"transport"`

	NetworkSize   int `bencode:"network_size"`
	SeederPercent int `bencode:"seeder_percent"`
	// Latency bounds in milliseconds.
	MinLatency int `bencode:"min_latency"`
	MaxLatency int `bencode:"max_latency"`
	// Upload capacities in Kbps, drawn uniformly per peer.
	Bandwidths []int `bencode:"bandwidths"`
	// Simulated time in seconds.
	Duration       int   `bencode:"duration"`
	Seed           int64 `bencode:"seed"`
	LowWater       int   `bencode:"low_water"`
	StartThreshold int   `bencode:"start_threshold"`
}

func DefaultConfig() *Config {
	return &Config{
		FileSize:           100,
		MaxSwarmSize:       80,
		PeersetSize:        50,
		MaxGrowth:          20,
		DuplicatedRequests: 1,
		Transport:          1,
		NetworkSize:        100,
		SeederPercent:      10,
		MinLatency:         50,
		MaxLatency:         250,
		Bandwidths:         []int{640, 1024, 2048},
		Duration:           3600,
		Seed:               1,
		LowWater:           20,
		StartThreshold:     10,
	}
}

// Load reads a bencoded configuration from path on fs. Keys missing from the
// file keep their default values.
func Load(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()

	cfg := DefaultConfig()
	// lists are decoded element by element over the existing slice
	cfg.Bandwidths = nil
	if err := bencode.Unmarshal(f, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	if cfg.Bandwidths == nil {
		cfg.Bandwidths = DefaultConfig().Bandwidths
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Save writes cfg to path on fs in the format Load reads.
func Save(fs afero.Fs, path string, cfg *Config) (err error) {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating config %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "closing config %s", path)
		}
	}()
	return errors.Wrap(bencode.Marshal(f, *cfg), "encoding config")
}

// NumPieces is the number of 256KB pieces of the shared file.
func (c *Config) NumPieces() int {
	return c.FileSize * 1000000 / PIECE_LENGTH
}

// NumMaxNodes is the number of peers the tracker has to know about,
// the tracker itself excluded.
func (c *Config) NumMaxNodes() int {
	return c.NetworkSize - 1
}

func (c *Config) TrackerCapacity() int {
	return c.NumMaxNodes() + c.MaxGrowth
}

func (c *Config) SimDuration() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

func (c *Config) Validate() error {
	switch {
	case c.NumPieces() < 1:
		return errors.Errorf("file_size %d MB holds no piece", c.FileSize)
	case c.MaxSwarmSize < 3:
		return errors.Errorf("max_swarm_size %d leaves no room for neighbors", c.MaxSwarmSize)
	case c.PeersetSize < 1:
		return errors.Errorf("peerset_size must be positive, got %d", c.PeersetSize)
	case c.MaxGrowth < 0:
		return errors.Errorf("max_growth must not be negative, got %d", c.MaxGrowth)
	case c.DuplicatedRequests < 0:
		return errors.Errorf("duplicated_requests must not be negative, got %d", c.DuplicatedRequests)
	case c.NetworkSize < 2:
		return errors.Errorf("network_size %d has no peer besides the tracker", c.NetworkSize)
	case c.SeederPercent < 0 || c.SeederPercent > 100:
		return errors.Errorf("seeder_percent %d out of range", c.SeederPercent)
	case c.MinLatency < 0 || c.MaxLatency < c.MinLatency:
		return errors.Errorf("invalid latency range [%d, %d]", c.MinLatency, c.MaxLatency)
	case len(c.Bandwidths) == 0:
		return errors.New("no bandwidth configured")
	case c.Duration <= 0:
		return errors.Errorf("duration must be positive, got %d", c.Duration)
	}
	for _, bw := range c.Bandwidths {
		if bw <= 0 {
			return errors.Errorf("bandwidth must be positive, got %d", bw)
		}
	}
	return nil
}
