package nic

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/bufpool"
	"github.com/romshark/ionic-go/wire"
)

// RxQueue is the receive half of a queue pair.
type RxQueue struct {
	q     *Queue
	cq    *CQ
	pool  *bufpool.Pool
	conf  *Config
	dev   Device
	bufs  [][]bufpool.Fragment
	stats RxStats
	w     warner

	resetting *atomic.Bool
	armed     atomic.Bool
}

func newRxQueue(q *Queue, cq *CQ, pool *bufpool.Pool, conf *Config, dev Device, resetting *atomic.Bool) *RxQueue {
	rx := &RxQueue{
		q:         q,
		cq:        cq,
		pool:      pool,
		conf:      conf,
		dev:       dev,
		bufs:      make([][]bufpool.Fragment, q.NumDescs()),
		w:         newWarner(conf.Logger, QueueTypeRx, conf.Index),
		resetting: resetting,
	}
	for i := range rx.bufs {
		rx.bufs[i] = make([]bufpool.Fragment, conf.RxMaxSG+1)
	}
	return rx
}

func (rx *RxQueue) Ring() *Queue { return rx.q }

func (rx *RxQueue) CQ() *CQ { return rx.cq }

func (rx *RxQueue) Stats() *RxStats { return &rx.stats }

// Fill posts a buffer chain covering one full frame into every free slot and
// rings the doorbell once at the end. It stops early when the pool cannot
// provide a buffer; the slot stays unposted until the next Fill. While the
// pool is dry, buffers parked in other unposted slots are moved forward to
// the head so none are stranded behind it.
func (rx *RxQueue) Fill() (posted int) {
	frameLen := rx.conf.frameLen()
	maxSG := rx.conf.RxMaxSG

	defer func() {
		if posted > 0 {
			rx.q.RingDoorbell()
		}
	}()

	for n := rx.q.SpaceAvail(); n > 0; n-- {
		head := rx.q.Head()
		bufs := rx.bufs[head]
		desc := rx.q.Desc(head)

		f := &bufs[0]
		if !rx.refill(head, f) {
			(&wire.RxDesc{}).Put(desc)
			return posted
		}
		remain := frameLen
		fragLen := min(remain, f.Avail())
		d := wire.RxDesc{Addr: uint64(f.DMAAddr()), Len: uint16(fragLen)}
		remain -= fragLen
		nfrags := 1

		for j := 0; remain > 0 && j < maxSG; j++ {
			f := &bufs[j+1]
			if !rx.refill(head, f) {
				wire.SGElem{}.Put(rx.q.SGElem(head, j))
				return posted
			}
			fragLen := min(remain, f.Avail())
			wire.SGElem{Addr: uint64(f.DMAAddr()), Len: uint16(fragLen)}.Put(rx.q.SGElem(head, j))
			remain -= fragLen
			nfrags++
		}
		// Zero length terminates the SG list.
		if nfrags-1 < maxSG {
			wire.SGElem{}.Put(rx.q.SGElem(head, nfrags-1))
		}

		if nfrags > 1 {
			d.Opcode = wire.RxOpSG
		}
		d.Put(desc)
		rx.q.Slot(head).NBufs = nfrags

		rx.q.Post(false, ActionRefill, nil)
		posted++
	}
	return posted
}

// refill gives the empty fragment f of slot head a fresh buffer.
func (rx *RxQueue) refill(head uint32, f *bufpool.Fragment) bool {
	if !f.Empty() {
		return true
	}
	frag, err := rx.pool.Allocate()
	if errors.Is(err, bufpool.ErrNoMemory) && rx.stealIdle(head, f) {
		return true
	}
	switch {
	case err == nil:
		*f = frag
		return true
	case errors.Is(err, bufpool.ErrNoMemory):
		rx.stats.AllocErr.Add(1)
		rx.w.warn(nil, "page alloc failed")
	default:
		rx.stats.DMAMapErr.Add(1)
		rx.w.warn(logrus.Fields{"error": err}, "dma map failed")
	}
	return false
}

// stealIdle moves a buffer parked in an unposted slot other than head into
// f. Slots are searched from the one after head.
func (rx *RxQueue) stealIdle(head uint32, f *bufpool.Fragment) bool {
	idle := rx.q.NumDescs() - rx.q.InFlight()
	for k := 1; k < idle; k++ {
		bufs := rx.bufs[(head+uint32(k))&rx.q.mask]
		for j := range bufs {
			if !bufs[j].Empty() {
				*f, bufs[j] = bufs[j], bufpool.Fragment{}
				return true
			}
		}
	}
	return false
}

// service handles one receive completion. Completions that do not match
// the oldest posted slot are counted and ignored.
func (rx *RxQueue) service(raw *wire.Comp) bool {
	comp := wire.DecodeRxComp(raw)

	if rx.q.Empty() {
		rx.desync(comp.CompIndex, "completion on empty ring")
		return false
	}
	tail := rx.q.Tail()
	s := rx.q.Slot(tail)
	if s.Index != comp.CompIndex {
		rx.desync(comp.CompIndex, "completion index mismatch")
		return false
	}
	rx.q.popTail()

	rx.clean(s, rx.bufs[tail], &comp)
	s.Action = ActionNone
	s.Pkt = nil
	return true
}

func (rx *RxQueue) desync(index uint16, msg string) {
	rx.stats.Desync.Add(1)
	rx.w.warn(logrus.Fields{
		"comp_index": index,
		"tail":       rx.q.Tail(),
		"head":       rx.q.Head(),
	}, msg)
}

func (rx *RxQueue) clean(s *Slot, bufs []bufpool.Fragment, comp *wire.RxComp) {
	if comp.Status != wire.StatusOK {
		rx.stats.Dropped.Add(1)
		return
	}
	if rx.resetting.Load() {
		rx.stats.Dropped.Add(1)
		return
	}
	length := int(comp.Len)
	if length > rx.conf.frameLen() {
		rx.stats.Dropped.Add(1)
		rx.w.warn(logrus.Fields{"len": length}, "rx packet too large")
		return
	}

	rx.stats.Pkts.Add(1)
	rx.stats.Bytes.Add(uint64(length))

	var pkt *Packet
	if length <= rx.conf.RxCopybreak {
		pkt = rx.copybreak(bufs, length)
	} else {
		pkt = rx.frags(s, bufs, comp)
	}
	if pkt == nil {
		rx.stats.Dropped.Add(1)
		return
	}
	pkt.Queue = rx.conf.Index

	features := rx.conf.Features
	if features&FeatureRxHash != 0 {
		switch comp.PktType {
		case wire.PktTypeIPv4, wire.PktTypeIPv6:
			pkt.Hash, pkt.HashType = comp.RSSHash, HashL3
		case wire.PktTypeIPv4TCP, wire.PktTypeIPv6TCP,
			wire.PktTypeIPv4UDP, wire.PktTypeIPv6UDP:
			pkt.Hash, pkt.HashType = comp.RSSHash, HashL4
		}
	}

	if features&FeatureRxCsum != 0 && comp.CsumFlags&wire.RxCsumCalc != 0 {
		pkt.CsumStatus = CsumComplete
		pkt.Csum = comp.Csum
		rx.stats.CsumComplete.Add(1)
	} else {
		rx.stats.CsumNone.Add(1)
	}

	if comp.CsumFlags&wire.RxCsumAnyBad != 0 {
		rx.stats.CsumError.Add(1)
	}

	if features&FeatureRxVLAN != 0 && comp.CsumFlags&wire.RxCsumVLAN != 0 {
		pkt.HasVLAN = true
		pkt.VLANTCI = comp.VlanTCI
		rx.stats.VLANStripped.Add(1)
	}

	rx.conf.Receive(pkt)
}

// copybreak copies a short frame out of the first buffer. The buffer stays
// in its slot and is posted again unchanged.
func (rx *RxQueue) copybreak(bufs []bufpool.Fragment, length int) *Packet {
	f := &bufs[0]
	if f.Empty() {
		return nil
	}
	rx.pool.SyncForCPU(f, length)
	head := make([]byte, length)
	copy(head, f.Slice(length))
	rx.pool.SyncForDevice(f, length)

	rx.stats.Copybreak.Add(1)
	return &Packet{Head: head}
}

// frags hands the buffers holding the frame to a packet without copying.
// Each buffer is recycled in place when possible and otherwise unmapped
// and replaced on the next Fill.
func (rx *RxQueue) frags(s *Slot, bufs []bufpool.Fragment, comp *wire.RxComp) *Packet {
	n := int(comp.NumSG) + 1
	if n > s.NBufs {
		rx.w.warn(logrus.Fields{"num_sg": comp.NumSG, "posted": s.NBufs},
			"completion references unposted buffers")
		return nil
	}

	pkt := &Packet{Frags: make([]Frag, 0, n)}
	remain := int(comp.Len)
	for i := range n {
		f := &bufs[i]
		if f.Empty() {
			pkt.Free()
			return nil
		}
		fragLen := min(remain, f.Avail())
		remain -= fragLen

		rx.pool.SyncForCPU(f, fragLen)
		pkt.Frags = append(pkt.Frags, Frag{Page: f.Page, Data: f.Slice(fragLen)})

		if !rx.pool.Recycle(f, fragLen) {
			rx.pool.Detach(f)
		}
	}
	return pkt
}

// empty releases every buffer held by the ring. The device must be stopped.
func (rx *RxQueue) empty() {
	for i, bufs := range rx.bufs {
		for j := range bufs {
			rx.pool.Release(&bufs[j])
		}
		(&wire.RxDesc{}).Put(rx.q.Desc(uint32(i)))
		s := rx.q.Slot(uint32(i))
		s.Action, s.Pkt, s.NBufs = ActionNone, nil, 0
	}
}
