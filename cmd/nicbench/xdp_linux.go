//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/romshark/ionic-go/afxdp"
	"github.com/romshark/ionic-go/qstats"
	"github.com/romshark/ionic-go/softnic"
)

type xdpFlags struct {
	iface     string
	zerocopy  bool
	linger    time.Duration
	numFrames uint32
	ringSize  uint32
}

func newXDPCmd(g *globalFlags) *cobra.Command {
	var (
		f configFlags
		x xdpFlags
	)
	cmd := &cobra.Command{
		Use:   "xdp",
		Short: "Run the software device with its wire on AF_XDP sockets",
		Long: "Queue pair i of the software device is wired to an AF_XDP socket on " +
			"RX queue i of the interface. Generated packets leave the interface and " +
			"frames arriving on it are received through the data path. With " +
			"--count 0 nothing is sent and frames are received for --linger.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := f.load(cmd)
			if err != nil {
				return err
			}
			if x.iface == "" {
				return errors.New("--iface must be set")
			}
			log, err := g.logger(os.Stderr)
			if err != nil {
				return err
			}
			if err := printConfig(os.Stderr, conf); err != nil {
				return err
			}
			return runXDP(cmd.Context(), &conf, x, g.metricsListen, log, os.Stderr)
		},
	}
	f.register(cmd)
	fl := cmd.Flags()
	fl.StringVarP(&x.iface, "iface", "i", "", "network interface")
	fl.BoolVarP(&x.zerocopy, "zerocopy", "z", false, "prefer zero-copy sockets")
	fl.DurationVar(&x.linger, "linger", 300*time.Millisecond, "keep receiving this long after the last send")
	fl.Uint32Var(&x.numFrames, "frames", afxdp.DefaultNumFrames, "UMEM frames per socket")
	fl.Uint32Var(&x.ringSize, "ring", afxdp.DefaultRingSize/2, "AF_XDP ring size")
	return cmd
}

func runXDP(ctx context.Context, conf *Config, x xdpFlags, metricsListen string, log *logrus.Logger, out io.Writer) (err error) {
	iface, err := afxdp.MakeInterface(x.iface, afxdp.InterfaceConfig{PreferZerocopy: x.zerocopy})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, iface.Close()) }()

	qids, err := iface.QueueIDs()
	if err != nil {
		return err
	}
	if len(qids) < conf.Queues {
		return fmt.Errorf("%s has %d RX queues, %d requested", x.iface, len(qids), conf.Queues)
	}

	r, err := newRig(conf, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, r.Close()) }()

	ports := make([]*afxdp.Port, conf.Queues)
	r.extra = qstats.Sources{}
	for i, w := range r.workers {
		sock, oerr := iface.Open(afxdp.SocketConfig{
			QueueID:   qids[i],
			NumFrames: x.numFrames,
			RxSize:    x.ringSize,
			TxSize:    x.ringSize,
		})
		if oerr != nil {
			return fmt.Errorf("opening socket on queue %d: %w", qids[i], oerr)
		}
		defer func() { err = errors.Join(err, sock.Close()) }()

		p := afxdp.NewPort(sock, r.dev, uint32(i), log)
		ports[i] = p
		r.extra[fmt.Sprintf("xdp%d", i)] = p.Stats()
		w.step = p.Step
		w.idle = func() {
			if err := p.Wait(time.Millisecond); err != nil {
				w.log.WithError(err).Debug("socket wait")
			}
		}
		log.WithFields(logrus.Fields{
			"queue":    sock.QueueID(),
			"frames":   sock.FreeFrames(),
			"zerocopy": sock.IsZerocopy(),
		}).Info("socket open")
	}
	r.out = softnic.WireFunc(func(qid uint32, frame []byte) error {
		return ports[qid].Transmit(qid, frame)
	})

	phyBefore, phyErr := qstats.ReadEthtool(ctx, x.iface, qstats.PhyCounters...)
	if phyErr != nil {
		log.WithError(phyErr).Debug("interface counters unavailable")
	}

	if err := r.run(ctx, out, metricsListen, x.linger); err != nil {
		return err
	}

	if phyErr == nil {
		phyAfter, err := qstats.ReadEthtool(context.Background(), x.iface, qstats.PhyCounters...)
		if err != nil {
			return err
		}
		now := qstats.Stats{x.iface: phyAfter}
		return qstats.Print(out, now.Since(qstats.Stats{x.iface: phyBefore}), 0)
	}
	return nil
}
