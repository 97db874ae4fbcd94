package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/Charana123/torrent-sim/go-torrent/sim"
	"github.com/Charana123/torrent-sim/go-torrent/stats"
	"github.com/Charana123/torrent-sim/go-torrent/storage"
	"github.com/Charana123/torrent-sim/go-torrent/torrent"
	"github.com/Charana123/torrent-sim/go-torrent/wire"
	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var appFS = afero.NewOsFs()

func loadConfig() (*torrent.Config, error) {
	if configPath == "" {
		return torrent.DefaultConfig(), nil
	}
	return torrent.Load(appFS, configPath)
}

// runCmd simulates one swarm
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate a swarm and write per-node snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("duration") {
			cfg.Duration, _ = flags.GetInt("duration")
		}
		if flags.Changed("seed") {
			cfg.Seed, _ = flags.GetInt64("seed")
		}
		if flags.Changed("network-size") {
			cfg.NetworkSize, _ = flags.GetInt("network-size")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		tracePath, _ := flags.GetString("trace")
		metricsPath, _ := flags.GetString("metrics")
		return runSwarm(cfg, tracePath, metricsPath)
	},
}

func runSwarm(cfg *torrent.Config, tracePath, metricsPath string) (err error) {
	logger, err := newLogger()
	if err != nil {
		return errors.Wrap(err, "building logger")
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run", runID))

	reg := prometheus.NewRegistry()
	st := stats.NewStats(stats.NewMetrics(reg))
	s := sim.New(cfg, logger, st)

	if tracePath != "" {
		f, ferr := appFS.Create(tracePath)
		if ferr != nil {
			return errors.Wrapf(ferr, "creating trace %s", tracePath)
		}
		w := bufio.NewWriter(f)
		defer func() {
			if cerr := closeTrace(w, f); cerr != nil && err == nil {
				err = errors.Wrapf(cerr, "writing trace %s", tracePath)
			}
		}()
		s.SetTrace(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := s.Bootstrap(); err != nil {
		return err
	}
	start := time.Now()
	if err := s.Run(ctx, cfg.SimDuration()); err != nil {
		return errors.Wrap(err, "simulation stopped")
	}
	if err := s.Check(); err != nil {
		return errors.Wrap(err, "inconsistent node state")
	}

	store := storage.NewFileStorage(appFS, outDir)
	for _, snap := range s.Snapshots(runID) {
		if err := store.WriteSnapshot(snap); err != nil {
			return err
		}
	}
	if metricsPath != "" {
		if err := writeMetrics(appFS, metricsPath, reg); err != nil {
			return errors.Wrapf(err, "writing metrics %s", metricsPath)
		}
	}

	printSummary(os.Stdout, runID, s.Summary(), st, time.Since(start))
	return nil
}

// closeTrace flushes the buffered trace before closing its file.
func closeTrace(w *bufio.Writer, f io.Closer) error {
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeMetrics writes the gathered metrics in the text exposition format.
func writeMetrics(fs afero.Fs, path string, g prometheus.Gatherer) (err error) {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, runID string, sum sim.Summary, st stats.Stats, elapsed time.Duration) {
	totals := st.GetTotals()
	times := stats.CompletionTimes(st.GetPeerStats())

	fmt.Fprintf(w, "run %s\n", runID)
	fmt.Fprintf(w, "simulated %s in %s\n", sum.At, elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "peers %d, alive %d, seeders %d\n", sum.Peers, sum.Alive, sum.Seeders)
	fmt.Fprintf(w, "events delivered %s, dropped %s, pending %s\n",
		humanize.Comma(int64(sum.Delivered)),
		humanize.Comma(int64(sum.Dropped)),
		humanize.Comma(int64(sum.Pending)))
	fmt.Fprintf(w, "uploaded %s, downloaded %s\n",
		humanize.Bytes(uint64(totals.Uploaded)*wire.BLOCK_PAYLOAD),
		humanize.Bytes(uint64(totals.Downloaded)*wire.BLOCK_PAYLOAD))
	fmt.Fprintf(w, "pieces completed %s, files completed %d, neighbor removals %d\n",
		humanize.Comma(int64(totals.Pieces)), totals.FilesCompleted, totals.Removals)
	if len(times) > 0 {
		fmt.Fprintf(w, "completion first %s, median %s, last %s\n",
			times[0], times[len(times)/2], times[len(times)-1])
	}
}

// inspectCmd decodes a trace
var inspectCmd = &cobra.Command{
	Use:   "inspect [trace]",
	Short: "Count the messages of a trace by kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := appFS.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "opening trace %s", args[0])
		}
		defer f.Close()

		counts, last, err := countFrames(bufio.NewReader(f))
		if err != nil {
			return err
		}
		total := 0
		for _, kind := range wire.Kinds() {
			if counts[kind] == 0 {
				continue
			}
			total += counts[kind]
			fmt.Printf("%-16s %s\n", kind, humanize.Comma(int64(counts[kind])))
		}
		fmt.Printf("%-16s %s (last at %s)\n", "total", humanize.Comma(int64(total)), last)
		return nil
	},
}

func countFrames(r io.Reader) (map[wire.Kind]int, time.Duration, error) {
	counts := make(map[wire.Kind]int)
	var last time.Duration
	for {
		f, err := wire.ReadFrame(r)
		if err == io.EOF {
			return counts, last, nil
		}
		if err != nil {
			return nil, last, err
		}
		counts[f.Msg.Kind()]++
		last = f.At
	}
}

// reportCmd prints the snapshots of a run
var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Print the node snapshots of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := storage.NewFileStorage(appFS, outDir).ListSnapshots(args[0])
		if err != nil {
			return err
		}
		byRole := make(map[string]int)
		for _, snap := range snaps {
			byRole[snap.Role]++
			fmt.Printf("%5d %-8s pieces %4d neighbors %3d up %9s down %9s\n",
				snap.ID, snap.Role, snap.Completed, snap.Neighbors,
				humanize.Bytes(uint64(snap.Uploaded)*wire.BLOCK_PAYLOAD),
				humanize.Bytes(uint64(snap.Downloaded)*wire.BLOCK_PAYLOAD))
		}
		roles := make([]string, 0, len(byRole))
		for role := range byRole {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Printf("%s: %d\n", role, byRole[role])
		}
		return nil
	},
}

// configCmd writes the default configuration
var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return torrent.Save(appFS, args[0], torrent.DefaultConfig())
	},
}

func init() {
	runCmd.Flags().String("trace", "", "write every delivered message to this file")
	runCmd.Flags().String("metrics", "", "write prometheus metrics to this file at the end")
	runCmd.Flags().Int("duration", 0, "simulated seconds, overrides the configuration")
	runCmd.Flags().Int64("seed", 0, "random seed, overrides the configuration")
	runCmd.Flags().Int("network-size", 0, "nodes including the tracker, overrides the configuration")
}
