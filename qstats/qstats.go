// Package qstats snapshots, diffs and prints the counters of queues and
// devices, and exports them to prometheus.
package qstats

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/ionic-go/nic"
)

// Source is anything with named counters: *nic.RxStats, *nic.TxStats,
// *softnic.Stats.
type Source interface {
	Counters() nic.Counters
}

// Sources maps a source name such as "rx0" to its counters.
type Sources map[string]Source

// Stats are the counters of several sources at one point in time.
type Stats map[string]nic.Counters

// Snapshot reads all sources.
func Snapshot(sources Sources) Stats {
	s := make(Stats, len(sources))
	for name, src := range sources {
		s[name] = src.Counters()
	}
	return s
}

// Since computes s - old per counter. Counters missing from old count
// from zero.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for name, now := range s {
		prev := old[name]
		diff := make(nic.Counters, len(now))
		for k, v := range now {
			diff[k] = v - prev[k]
		}
		out[name] = diff
	}
	return out
}

// Sum adds counter k over all sources.
func (s Stats) Sum(k string) (total uint64) {
	for _, c := range s {
		total += c[k]
	}
	return total
}

// Print writes the packet and byte totals of each source followed by its
// remaining non-zero counters. With a non-zero elapsed rates are printed
// too.
func Print(w io.Writer, s Stats, elapsed time.Duration) error {
	for _, name := range slices.Sorted(maps.Keys(s)) {
		c := s[name]
		if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}

		var shown []string
		for _, dir := range []string{"rx", "tx", "dev_rx", "dev_tx"} {
			pk := dir + "_pkts"
			pkts, ok := c[pk]
			if !ok {
				pk = dir + "_frames"
				pkts, ok = c[pk]
			}
			if !ok {
				continue
			}
			bk := dir + "_bytes"
			bytes := c[bk]
			shown = append(shown, pk, bk)

			label := strings.ToUpper(strings.TrimPrefix(dir, "dev_"))
			line := fmt.Sprintf("  %-4s %-12d ≈ %-8s (%s)",
				label, pkts, humanize.Bytes(bytes), humanize.Comma(int64(bytes)))
			if elapsed > 0 {
				secs := elapsed.Seconds()
				line += fmt.Sprintf("  %s  %s/s",
					humanize.SIWithDigits(float64(pkts)/secs, 2, "pps"),
					humanize.Bytes(uint64(float64(bytes)/secs)))
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}

		for _, k := range slices.Sorted(maps.Keys(c)) {
			if c[k] == 0 || slices.Contains(shown, k) {
				continue
			}
			if _, err := fmt.Fprintf(w, "  %-22s %s\n", k, humanize.Comma(int64(c[k]))); err != nil {
				return err
			}
		}
	}
	return nil
}
