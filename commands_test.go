package main

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/sim"
	"github.com/Charana123/torrent-sim/go-torrent/stats"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	frames := []wire.Frame{
		{At: time.Second, From: 1, To: 0, Msg: wire.Tracker{}},
		{At: 2 * time.Second, From: 0, To: 1, Msg: wire.PeerSet{Peers: []wire.PeerID{2, 3}}},
		{At: 3 * time.Second, From: 2, To: 1, Msg: wire.Have{Piece: 4}},
		{At: 4 * time.Second, From: 3, To: 1, Msg: wire.Have{Piece: 5}},
	}
	for _, f := range frames {
		require.NoError(t, wire.WriteFrame(buf, f))
	}

	counts, last, err := countFrames(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[wire.HAVE])
	assert.Equal(t, 1, counts[wire.TRACKER])
	assert.Equal(t, 4*time.Second, last)
}

func TestCountFramesTruncated(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, wire.WriteFrame(buf, wire.Frame{Msg: wire.Request{Block: 1203}}))
	buf.Truncate(buf.Len() - 1)

	_, _, err := countFrames(buf)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	st := stats.NewStats(nil)
	st.UpdatePeer(1, 8, 0)
	st.FileCompleted(2, 90*time.Second)

	out := &bytes.Buffer{}
	printSummary(out, "abc", sim.Summary{At: time.Hour, Peers: 3, Delivered: 12345}, st, time.Second)

	assert.Contains(t, out.String(), "run abc")
	assert.Contains(t, out.String(), "12,345")
	assert.Contains(t, out.String(), "uploaded 1.0 MB")
	assert.Contains(t, out.String(), "completion first 1m30s")
}

func TestWriteMetrics(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := prometheus.NewRegistry()
	st := stats.NewStats(stats.NewMetrics(reg))
	st.FileCompleted(2, time.Minute)

	require.NoError(t, writeMetrics(fs, "metrics.prom", reg))

	data, err := afero.ReadFile(fs, "metrics.prom")
	require.NoError(t, err)
	assert.Contains(t, string(data), "torrentsim_files_completed_total 1")

	ro := afero.NewReadOnlyFs(fs)
	assert.Error(t, writeMetrics(ro, "other.prom", reg))
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestCloseTraceReportsFlushError(t *testing.T) {
	w := bufio.NewWriter(failingWriter{})
	require.NoError(t, wire.WriteFrame(w, wire.Frame{Msg: wire.Tracker{}}))

	c := &closeCounter{}
	assert.Error(t, closeTrace(w, c))
	assert.Equal(t, 1, c.closed)

	buf := &bytes.Buffer{}
	w = bufio.NewWriter(buf)
	require.NoError(t, wire.WriteFrame(w, wire.Frame{Msg: wire.Tracker{}}))
	assert.NoError(t, closeTrace(w, c))
	assert.True(t, buf.Len() > 0)
}
