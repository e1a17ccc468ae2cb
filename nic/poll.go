package nic

import "sync/atomic"

// Poll drains up to budget receive completions, tops the ring up and
// re-arms the interrupt if the scheduler lets polling complete.
func (rx *RxQueue) Poll(budget int) int {
	work := rx.cq.Service(budget, rx.service)
	rx.replenish()
	rearm(rx.conf, rx.dev, work, budget, work, rx.armTarget())
	return work
}

// Flush drains every pending receive completion outside of polling and
// returns the credits without unmasking.
func (rx *RxQueue) Flush() int {
	work := rx.cq.Service(rx.cq.NumComps(), rx.service)
	flushCredits(rx.conf, rx.dev, work)
	return work
}

// Poll drains up to budget transmit completions.
func (tx *TxQueue) Poll(budget int) int {
	work := tx.cq.Service(budget, tx.service)
	rearm(tx.conf, tx.dev, work, budget, work, tx.armTarget())
	return work
}

// Flush drains every pending transmit completion outside of polling.
func (tx *TxQueue) Flush() int {
	work := tx.cq.Service(tx.cq.NumComps(), tx.service)
	flushCredits(tx.conf, tx.dev, work)
	return work
}

// Poll services both rings of the pair in one pass: transmit completions
// first under their own TxBudget, then receive completions under budget,
// then the receive refill. Credits for both are returned together. The
// result is the receive work, which the scheduler compares with budget.
func (qp *QueuePair) Poll(budget int) int {
	txWork := qp.Tx.cq.Service(qp.conf.TxBudget, qp.Tx.service)

	rxWork := qp.Rx.cq.Service(budget, qp.Rx.service)
	qp.Rx.replenish()

	rearm(&qp.conf, qp.dev, rxWork, budget, txWork+rxWork,
		qp.Rx.armTarget(), qp.Tx.armTarget())
	return rxWork
}

// replenish refills the ring whenever it is below capacity, so a ring that
// ran dry is retried on every poll. A quiesced ring is left alone.
func (rx *RxQueue) replenish() {
	if !rx.resetting.Load() && rx.q.SpaceAvail() > 0 {
		rx.Fill()
	}
}

type armTarget struct {
	t     QueueType
	qid   uint32
	cq    *CQ
	armed *atomic.Bool
}

func (rx *RxQueue) armTarget() armTarget {
	return armTarget{QueueTypeRx, rx.q.Index, rx.cq, &rx.armed}
}

func (tx *TxQueue) armTarget() armTarget {
	return armTarget{QueueTypeTx, tx.q.Index, tx.cq, &tx.armed}
}

func rearm(conf *Config, dev Device, work, budget, credits int, targets ...armTarget) {
	var flags IntrFlags
	if work < budget && conf.Scheduler.CompleteDone(work) {
		flags |= IntrCredUnmask
	}
	if credits == 0 && flags == 0 {
		return
	}
	flags |= IntrCredResetCoalesce
	if !conf.EventQueues {
		dev.IntrCredits(conf.Intr, uint32(credits), flags)
		return
	}
	for _, t := range targets {
		if t.armed.CompareAndSwap(false, true) {
			dev.ArmCQ(t.t, t.qid, uint16(t.cq.Tail()))
		}
	}
}

func flushCredits(conf *Config, dev Device, work int) {
	if work > 0 && !conf.EventQueues {
		dev.IntrCredits(conf.Intr, uint32(work), IntrCredResetCoalesce)
	}
}
