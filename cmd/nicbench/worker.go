package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/ratelimit"
)

// queueWorker drives one queue pair from a single goroutine: it sends
// generated packets and polls the pair whenever the device raised its
// interrupt or event.
type queueWorker struct {
	conf *Config
	qp   *nic.QueuePair
	gen  *generator
	log  *logrus.Entry

	// pending is set by the device and cleared by the poll loop.
	pending atomic.Bool
	// step, if set, runs device side work that shares the goroutine, such
	// as pulling frames off an AF_XDP socket. idle replaces the sleep while
	// lingering without work.
	step func() int
	idle func()

	sent    atomic.Uint64
	dropped atomic.Uint64
	busy    atomic.Uint64
	rxPkts  atomic.Uint64
	rxBytes atomic.Uint64
	rxCsum  atomic.Uint64
}

func newQueueWorker(r *rig, index int) (*queueWorker, error) {
	gen, err := newGenerator(r.conf.Traffic, index)
	if err != nil {
		return nil, err
	}
	w := &queueWorker{
		conf: r.conf,
		gen:  gen,
		log:  r.log.WithField("queue", index),
	}
	w.qp, err = nic.NewQueuePair(nic.Config{
		Index:       index,
		NumDescs:    r.conf.NumDescs,
		MTU:         r.conf.MTU,
		Features:    nic.DefaultFeatures,
		Intr:        index,
		EventQueues: r.conf.EventQueues,
		Receive:     w.receive,
		Flow:        &r.flow,
		Logger:      r.log,
	}, r.dev, r.mem, r.pool)
	if err != nil {
		return nil, fmt.Errorf("queue pair %d: %w", index, err)
	}
	return w, nil
}

func (w *queueWorker) receive(p *nic.Packet) {
	w.rxPkts.Add(1)
	w.rxBytes.Add(uint64(p.Len()))
	if p.CsumStatus == nic.CsumComplete {
		w.rxCsum.Add(1)
	}
	p.Free()
}

// run sends conf.Count packets and then services the pair for linger.
func (w *queueWorker) run(ctx context.Context, linger time.Duration) error {
	if w.step != nil {
		// The socket is polled from one core.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	throttle := ratelimit.NewThrottle(w.conf.Rate)
	w.log.WithField("frame_len", w.gen.FrameLen()).Debug("worker started")

	for w.sent.Load() < w.conf.Count && ctx.Err() == nil {
		n, err := w.sendBatch()
		if err != nil {
			return err
		}
		w.service()
		if err := throttle.Wait(ctx, uint64(n)); err != nil {
			break
		}
	}

	deadline := time.Now().Add(linger)
	for {
		w.service()
		if time.Now().After(deadline) && w.qp.Tx.Ring().Empty() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		switch {
		case w.pending.Load():
		case w.idle != nil:
			w.idle()
		default:
			time.Sleep(time.Millisecond)
		}
	}
	w.log.WithFields(logrus.Fields{
		"sent":     w.sent.Load(),
		"received": w.rxPkts.Load(),
	}).Debug("worker done")
	return nil
}

// sendBatch sends up to conf.Batch packets behind one doorbell. A busy
// ring is serviced once before giving up on the batch.
func (w *queueWorker) sendBatch() (sent int, err error) {
	batch := min(uint64(w.conf.Batch), w.conf.Count-w.sent.Load())
	tx := w.qp.Tx
	defer tx.FlushDoorbell()

	for i := range batch {
		pkt, err := w.gen.Packet()
		if err != nil {
			return sent, err
		}
		more := i+1 < batch
		res := tx.Send(pkt, more)
		if res == nic.TxBusy {
			tx.FlushDoorbell()
			w.service()
			res = tx.Send(pkt, more)
		}
		switch res {
		case nic.TxOK:
			sent++
			w.sent.Add(1)
		case nic.TxDropped:
			pkt.Free()
			w.sent.Add(1)
			w.dropped.Add(1)
		case nic.TxBusy:
			pkt.Free()
			w.busy.Add(1)
			return sent, nil
		}
	}
	return sent, nil
}

// service runs the device step and polls the pair until a poll finishes
// under budget.
func (w *queueWorker) service() {
	if w.step != nil {
		w.step()
	}
	for w.pending.Swap(false) {
		if w.conf.EventQueues {
			w.qp.EventNotify()
		}
		for w.qp.Poll(w.conf.Budget) >= w.conf.Budget {
		}
	}
}
