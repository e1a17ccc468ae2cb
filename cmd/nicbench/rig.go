package main

import (
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/bufpool"
	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/qstats"
	"github.com/romshark/ionic-go/softnic"
)

// flowCounter counts queue stop and wake notifications.
type flowCounter struct {
	stops atomic.Uint64
	wakes atomic.Uint64
}

func (f *flowCounter) Stop(int) { f.stops.Add(1) }
func (f *flowCounter) Wake(int) { f.wakes.Add(1) }

// rig is a software device with one worker per queue pair. Frames the
// device transmits leave through out, which the caller sets before start.
type rig struct {
	conf    *Config
	log     *logrus.Logger
	mem     *dma.Space
	pool    *bufpool.Pool
	dev     *softnic.NIC
	flow    flowCounter
	workers []*queueWorker
	out     softnic.Wire
	// extra are counters of the wire side, reported with the rig's own.
	extra qstats.Sources
}

func newRig(conf *Config, log *logrus.Logger) (_ *rig, err error) {
	r := &rig{conf: conf, log: log, mem: dma.NewSpace()}

	r.dev, err = softnic.New(softnic.Config{
		Mem:         r.mem,
		Wire:        softnic.WireFunc(r.transmit),
		AutoProcess: true,
		Interrupt:   r.interrupt,
		Event:       r.event,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}

	granules := conf.Granules
	if granules == 0 {
		granules = defaultGranules(conf)
	}
	r.pool, err = bufpool.New(bufpool.Config{
		Granules: granules,
		FrameLen: conf.MTU + nic.EthHeaderLen,
	}, r.mem)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	for i := range conf.Queues {
		w, err := newQueueWorker(r, i)
		if err != nil {
			return nil, err
		}
		r.workers = append(r.workers, w)
	}
	return r, nil
}

// defaultGranules sizes the pool so every receive slot can hold a full
// buffer chain at once. A recycled fragment has at least one split left, so
// a chain never takes more than one granule per split of the frame.
func defaultGranules(conf *Config) int {
	perSlot := bufpool.Align(conf.MTU+nic.EthHeaderLen, bufpool.DefaultSplitSize) / bufpool.DefaultSplitSize
	return conf.Queues*conf.NumDescs*perSlot + 64
}

func (r *rig) transmit(qid uint32, frame []byte) error {
	return r.out.Transmit(qid, frame)
}

func (r *rig) interrupt(intr int) {
	if intr < len(r.workers) {
		r.workers[intr].pending.Store(true)
	}
}

func (r *rig) event(_ nic.QueueType, qid uint32) {
	if int(qid) < len(r.workers) {
		r.workers[qid].pending.Store(true)
	}
}

func (r *rig) start() error {
	if r.out == nil {
		r.out = softnic.Discard
	}
	for _, w := range r.workers {
		if err := w.qp.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Sources names every counter set of the rig.
func (r *rig) Sources() qstats.Sources {
	s := qstats.Sources{"dev": r.dev.Stats()}
	maps.Copy(s, r.extra)
	for _, w := range r.workers {
		s[fmt.Sprintf("rx%d", w.qp.Index())] = w.qp.Rx.Stats()
		s[fmt.Sprintf("tx%d", w.qp.Index())] = w.qp.Tx.Stats()
	}
	return s
}

// Close tears down the queue pairs and verifies nothing stayed mapped.
func (r *rig) Close() error {
	var errs []error
	for _, w := range r.workers {
		errs = append(errs, w.qp.Close())
	}
	if r.pool != nil {
		errs = append(errs, r.pool.Close())
	}
	if n := r.mem.Live(); n > 0 {
		errs = append(errs, fmt.Errorf("%d dma mappings leaked", n))
	}
	return errors.Join(errs...)
}
