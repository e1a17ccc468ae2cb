// Package nic is the data path of a descriptor-ring network device: the
// RX and TX rings of a queue pair, their completion queues, receive buffer
// refill and recycling, transmit encoding with checksum, VLAN and TCP
// segmentation offloads, and queue flow control.
//
// A QueuePair is driven by one poller (Poll, or the per-ring Poll methods)
// and one sender (Send). Nothing in this package blocks or spawns
// goroutines; allocation, mapping and ring space failures are returned or
// counted and retried on the next poll or send.
package nic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/bufpool"
	"github.com/romshark/ionic-go/dma"
)

// QueuePair is one RX ring and one TX ring with their completion queues,
// sharing an interrupt.
type QueuePair struct {
	conf Config
	mem  dma.Device
	dev  Device
	pool *bufpool.Pool
	log  *logrus.Entry

	Rx *RxQueue
	Tx *TxQueue

	resetting atomic.Bool
}

// NewQueuePair allocates both rings and completion queues in mem. Receive
// buffers come from pool. The pair starts quiesced; call Start.
func NewQueuePair(conf Config, dev Device, mem dma.Device, pool *bufpool.Pool) (_ *QueuePair, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.RxCopybreak > pool.SplitSize() {
		return nil, fmt.Errorf("%w: RxCopybreak %d exceeds pool split size %d",
			ErrInvalidConfig, conf.RxCopybreak, pool.SplitSize())
	}
	if need := conf.frameLen(); (conf.RxMaxSG+1)*pool.SplitSize() < need {
		return nil, fmt.Errorf("%w: %d buffers of at least %d bytes cannot hold a %d byte frame",
			ErrInvalidConfig, conf.RxMaxSG+1, pool.SplitSize(), need)
	}

	qp := &QueuePair{
		conf: conf,
		mem:  mem,
		dev:  dev,
		pool: pool,
		log:  conf.Logger.WithField("qpair", conf.Index),
	}
	qp.resetting.Store(true)

	var rxq, txq *Queue
	var rxcq, txcq *CQ
	defer func() {
		if err == nil {
			return
		}
		for _, q := range []*Queue{rxq, txq} {
			if q != nil {
				_ = q.free(mem)
			}
		}
		for _, cq := range []*CQ{rxcq, txcq} {
			if cq != nil {
				_ = cq.free(mem)
			}
		}
	}()

	index := uint32(conf.Index)
	if rxq, err = newQueue(mem, dev, QueueTypeRx, index, conf.NumDescs, conf.RxMaxSG); err != nil {
		return nil, fmt.Errorf("rx queue: %w", err)
	}
	if rxcq, err = newCQ(mem, conf.NumComps, rxq); err != nil {
		return nil, fmt.Errorf("rx cq: %w", err)
	}
	if txq, err = newQueue(mem, dev, QueueTypeTx, index, conf.NumDescs, conf.TxMaxSG); err != nil {
		return nil, fmt.Errorf("tx queue: %w", err)
	}
	if txcq, err = newCQ(mem, conf.NumComps, txq); err != nil {
		return nil, fmt.Errorf("tx cq: %w", err)
	}

	qp.Rx = newRxQueue(rxq, rxcq, pool, &qp.conf, dev, &qp.resetting)
	qp.Tx = newTxQueue(txq, txcq, mem, &qp.conf, dev)
	return qp, nil
}

func (qp *QueuePair) Index() int { return qp.conf.Index }

// Resetting reports whether the pair is quiesced.
func (qp *QueuePair) Resetting() bool { return qp.resetting.Load() }

// Start publishes both queues to the device, fills the receive ring and
// opens the transmit path.
func (qp *QueuePair) Start() error {
	if err := qp.dev.InitQueue(qp.Rx.q.queueInfo(qp.Rx.cq, qp.conf.Intr)); err != nil {
		return fmt.Errorf("init rx queue %d: %w", qp.conf.Index, err)
	}
	if err := qp.dev.InitQueue(qp.Tx.q.queueInfo(qp.Tx.cq, qp.conf.Intr)); err != nil {
		return fmt.Errorf("init tx queue %d: %w", qp.conf.Index, err)
	}
	qp.resetting.Store(false)
	posted := qp.Rx.Fill()
	qp.Tx.wake()
	qp.log.WithField("rx_posted", posted).Debug("queue pair started")
	return nil
}

// Quiesce stops the pair and drains both rings synchronously. Receive
// buffers are released and transmit packets freed without completion. The
// device must no longer process the queues.
func (qp *QueuePair) Quiesce() {
	qp.resetting.Store(true)
	if !qp.Tx.stopped.Swap(true) {
		qp.conf.Flow.Stop(qp.conf.Index)
	}

	txInFlight, rxInFlight := qp.Tx.q.InFlight(), qp.Rx.q.InFlight()
	qp.Tx.empty()
	qp.Rx.empty()

	for _, q := range []*Queue{qp.Rx.q, qp.Tx.q} {
		q.head.Store(0)
		q.tail.Store(0)
	}
	for _, cq := range []*CQ{qp.Rx.cq, qp.Tx.cq} {
		clear(cq.mem)
		cq.tail = 0
		cq.doneColor = true
	}
	qp.Rx.armed.Store(false)
	qp.Tx.armed.Store(false)

	qp.log.WithFields(logrus.Fields{
		"tx_drained": txInFlight,
		"rx_drained": rxInFlight,
	}).Debug("queue pair quiesced")
}

// EventNotify is called when the event queue reports activity for this
// pair. It allows the completion queues to be armed again.
func (qp *QueuePair) EventNotify() {
	qp.Rx.armed.Store(false)
	qp.Tx.armed.Store(false)
}

// Close quiesces the pair and frees its ring memory.
func (qp *QueuePair) Close() error {
	qp.Quiesce()
	return errors.Join(
		qp.Rx.q.free(qp.mem),
		qp.Rx.cq.free(qp.mem),
		qp.Tx.q.free(qp.mem),
		qp.Tx.cq.free(qp.mem),
	)
}
