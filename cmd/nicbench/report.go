package main

import (
	"context"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/ionic-go/qstats"
)

type totals struct {
	sent, dropped, busy     uint64
	rxPkts, rxBytes, rxCsum uint64
}

func (r *rig) totals() (t totals) {
	for _, w := range r.workers {
		t.sent += w.sent.Load()
		t.dropped += w.dropped.Load()
		t.busy += w.busy.Load()
		t.rxPkts += w.rxPkts.Load()
		t.rxBytes += w.rxBytes.Load()
		t.rxCsum += w.rxCsum.Load()
	}
	return t
}

// expectedRx is the number of frames the peer should see for sent packets.
func expectedRx(conf *Config, sent uint64) uint64 {
	if conf.Traffic.TSO {
		return sent * uint64(conf.Traffic.Segments)
	}
	return sent
}

// progress prints rates once per second until ctx is done.
func progress(ctx context.Context, w io.Writer, r *rig) {
	p := message.NewPrinter(language.English)
	t := time.NewTicker(time.Second)
	defer t.Stop()

	last, lastTime := r.totals(), time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			cur := r.totals()
			dt := now.Sub(lastTime).Seconds()
			p.Fprintf(w, "TX=%d RX=%d TX-PPS=%d RX-PPS=%d RX-Mbps=%.1f\n",
				cur.sent, cur.rxPkts,
				uint64(float64(cur.sent-last.sent)/dt),
				uint64(float64(cur.rxPkts-last.rxPkts)/dt),
				float64((cur.rxBytes-last.rxBytes)*8)/1e6/dt,
			)
			last, lastTime = cur, now
		}
	}
}

// report prints the run summary followed by the counters that moved since
// before.
func report(w io.Writer, r *rig, before qstats.Stats, elapsed time.Duration) error {
	t := r.totals()
	secs := elapsed.Seconds()
	want := expectedRx(r.conf, t.sent-t.dropped)
	var lost uint64
	if want > t.rxPkts {
		lost = want - t.rxPkts
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", secs)
	p.Fprintf(w, " TX:                %d packets\n", t.sent)
	p.Fprintf(w, " RX:                %d frames\n", t.rxPkts)
	p.Fprintf(w, " RX csum complete:  %d\n", t.rxCsum)
	if secs > 0 {
		p.Fprintf(w, " TX Avg PPS:        %d\n", uint64(float64(t.sent)/secs))
		p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(float64(t.rxPkts)/secs))
		p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", float64(t.rxBytes*8)/1e6/secs)
	}
	p.Fprintf(w, " TX dropped:        %d\n", t.dropped)
	p.Fprintf(w, " TX busy:           %d\n", t.busy)
	if want > 0 {
		p.Fprintf(w, " Lost:              %d (%.4f%%)\n", lost, float64(lost)/float64(want)*100)
	}
	p.Fprintf(w, " Queue stops/wakes: %d/%d\n\n", r.flow.stops.Load(), r.flow.wakes.Load())

	return qstats.Print(w, qstats.Snapshot(r.Sources()).Since(before), elapsed)
}
