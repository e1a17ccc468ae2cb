package nic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

// TxResult is the outcome of a send.
type TxResult uint8

const (
	// TxOK means the queue took ownership of the packet.
	TxOK TxResult = iota
	// TxBusy means the ring lacks space. The queue is stopped and nothing
	// was posted; retry after the wake notification.
	TxBusy
	// TxDropped means the packet could not be encoded. Nothing was posted
	// and the caller still owns the packet.
	TxDropped
)

func (r TxResult) String() string {
	switch r {
	case TxOK:
		return "ok"
	case TxBusy:
		return "busy"
	case TxDropped:
		return "dropped"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrTooManySG   = errors.New("too many sg elements for one descriptor")
)

// TxQueue is the transmit half of a queue pair. Send may run concurrently
// with Poll; neither may run concurrently with itself.
type TxQueue struct {
	q      *Queue
	cq     *CQ
	mapper dma.Mapper
	conf   *Config
	dev    Device
	stats  TxStats
	w      warner

	stopped atomic.Bool
	armed   atomic.Bool
	// unrung is set while posted descriptors wait for a doorbell.
	unrung bool
}

func newTxQueue(q *Queue, cq *CQ, mapper dma.Mapper, conf *Config, dev Device) *TxQueue {
	return &TxQueue{
		q:      q,
		cq:     cq,
		mapper: mapper,
		conf:   conf,
		dev:    dev,
		w:      newWarner(conf.Logger, QueueTypeTx, conf.Index),
	}
}

func (tx *TxQueue) Ring() *Queue { return tx.q }

func (tx *TxQueue) CQ() *CQ { return tx.cq }

func (tx *TxQueue) Stats() *TxStats { return &tx.stats }

// Stopped reports whether the queue asked its sender to pause.
func (tx *TxQueue) Stopped() bool { return tx.stopped.Load() }

// Send posts pkt. When more is set the doorbell is left for a later send
// or FlushDoorbell, batching device notifications.
func (tx *TxQueue) Send(pkt *Packet, more bool) TxResult {
	ndescs, err := tx.descsNeeded(pkt)
	if err != nil {
		return tx.drop(err)
	}

	if tx.maybeStop(ndescs) {
		tx.stats.Busy.Add(1)
		return TxBusy
	}

	if pkt.IsGSO() {
		err = tx.tso(pkt, more)
	} else {
		err = tx.xmit(pkt, more)
	}
	if err != nil {
		return tx.drop(err)
	}

	// The next packet most likely won't fit.
	tx.maybeStop(postSendReserve)
	return TxOK
}

func (tx *TxQueue) drop(err error) TxResult {
	tx.stats.Drop.Add(1)
	tx.w.warn(logrus.Fields{"error": err}, "tx drop")
	return TxDropped
}

// FlushDoorbell rings the doorbell if sends with more set left it pending.
func (tx *TxQueue) FlushDoorbell() {
	if tx.unrung {
		tx.ringDoorbell()
	}
}

func (tx *TxQueue) ringDoorbell() {
	tx.unrung = false
	tx.q.RingDoorbell()
}

func (tx *TxQueue) post(ring bool, pkt *Packet) {
	tx.q.Post(false, ActionCleanup, pkt)
	if ring {
		tx.ringDoorbell()
	} else {
		tx.unrung = true
	}
}

// descsNeeded estimates the descriptors pkt will take, coalescing it into a
// linear buffer first when it has more fragments than one descriptor can
// reference. Empty fragments are dropped; no descriptor or SG element may
// have zero length.
func (tx *TxQueue) descsNeeded(pkt *Packet) (int, error) {
	total := pkt.Len()
	if total == 0 {
		return 0, ErrEmptyPacket
	}
	pkt.dropEmptyFrags()
	if len(pkt.Frags) > tx.conf.TxMaxSG || pkt.HeadLen() == 0 {
		pkt.Linearize()
		tx.stats.Linearize.Add(1)
	}
	if pkt.IsGSO() {
		mss := int(pkt.GSOSize)
		return (total+mss-1)/mss + 1, nil
	}
	return 1, nil
}

// maybeStop stops the queue when fewer than n descriptors are free. The
// space check is repeated after publishing the stop because a concurrent
// completion may have freed slots without seeing it.
func (tx *TxQueue) maybeStop(n int) bool {
	if tx.q.HasSpace(n) {
		return false
	}
	tx.stopped.Store(true)
	tx.conf.Flow.Stop(tx.conf.Index)
	tx.stats.Stop.Add(1)
	// Nothing further will be sent until a wake; don't strand posted
	// descriptors behind a batched doorbell.
	tx.FlushDoorbell()

	if tx.q.HasSpace(n) {
		tx.wake()
		return false
	}
	return true
}

func (tx *TxQueue) wake() {
	if tx.stopped.CompareAndSwap(true, false) {
		tx.conf.Flow.Wake(tx.conf.Index)
		tx.stats.Wake.Add(1)
	}
}

func (tx *TxQueue) mapSingle(buf []byte) (dma.Addr, error) {
	addr, err := tx.mapper.MapSingle(buf, dma.ToDevice)
	if err != nil {
		tx.stats.DMAMapErr.Add(1)
		tx.w.warn(logrus.Fields{"len": len(buf), "error": err}, "dma single map failed")
	}
	return addr, err
}

func (tx *TxQueue) mapFrag(buf []byte) (dma.Addr, error) {
	addr, err := tx.mapper.MapPage(buf, dma.ToDevice)
	if err != nil {
		tx.stats.DMAMapErr.Add(1)
		tx.w.warn(logrus.Fields{"len": len(buf), "error": err}, "dma frag map failed")
	}
	return addr, err
}

// xmit encodes a packet as one descriptor with an SG element per fragment.
func (tx *TxQueue) xmit(pkt *Packet, more bool) error {
	b := tx.begin()

	if err := b.mapDesc(pkt.Head, true); err != nil {
		return b.abort(err)
	}
	for _, f := range pkt.Frags {
		if err := b.mapSG(f.Data); err != nil {
			return b.abort(err)
		}
		tx.stats.Frags.Add(1)
	}

	d := wire.TxDesc{Opcode: wire.TxOpCsumNone}
	if pkt.CsumPartial {
		d.Opcode = wire.TxOpCsumPartial
		d.CsumStart, d.CsumOffset = pkt.CsumStart, pkt.CsumOffset
		tx.stats.Csum.Add(1)
	} else {
		tx.stats.CsumNone.Add(1)
	}
	if pkt.HasVLAN {
		d.Flags |= wire.TxFlagVLAN
		d.VlanTCI = pkt.VLANTCI
		tx.stats.VLANInserted.Add(1)
	}
	if pkt.Encap {
		d.Flags |= wire.TxFlagEncap
	}

	length := pkt.Len()
	tx.stats.Pkts.Add(1)
	tx.stats.Bytes.Add(uint64(length))
	tx.stats.SentBytes.Add(uint64(length))
	b.commit(d, !more, pkt)
	return nil
}

// tso splits pkt into segments of hdrLen+mss bytes. Every segment starts a
// new descriptor; the first is flagged SOT, the last EOT and carries pkt.
func (tx *TxQueue) tso(pkt *Packet, more bool) error {
	netOff, transOff := pkt.NetworkOffset, pkt.TransportOffset
	if pkt.Encap {
		netOff, transOff = pkt.InnerNetworkOffset, pkt.InnerTransportOffset
	}
	hdrLen, err := pkt.tcpHeaderLen(transOff)
	if err != nil {
		return err
	}
	if err := pkt.seedPseudoCsum(netOff, transOff); err != nil {
		return err
	}

	mss := int(pkt.GSOSize)
	tmpl := wire.TxDesc{Opcode: wire.TxOpTSO}
	tmpl.SetTSO(uint16(hdrLen), pkt.GSOSize)
	if pkt.HasVLAN {
		tmpl.Flags |= wire.TxFlagVLAN
		tmpl.VlanTCI = pkt.VLANTCI
		tx.stats.VLANInserted.Add(1)
	}
	if pkt.OuterCsum {
		tmpl.Flags |= wire.TxFlagEncap
	}

	var (
		b        = tx.begin()
		start    = true
		fragLeft = 0
		segs     = 0
		onWire   = 0
		nfrags   = len(pkt.Frags)
	)
	post := func(done bool) {
		d := tmpl
		if start {
			d.Flags |= wire.TxFlagTSOSOT
			onWire += b.segBytes
		} else {
			onWire += b.segBytes + hdrLen
		}
		if done {
			d.Flags |= wire.TxFlagTSOEOT
			tx.stats.SentBytes.Add(uint64(pkt.Len()))
			b.commit(d, !more, pkt)
		} else {
			b.commit(d, false, nil)
		}
		segs++
		start = false
	}

	// Chop the linear part, headers first.
	seglen := hdrLen + mss
	for left, off := len(pkt.Head), 0; left > 0; {
		n := min(seglen, left)
		fragLeft = seglen - n
		if err := b.mapDesc(pkt.Head[off:off+n], start); err != nil {
			return b.abort(err)
		}
		left -= n
		off += n
		if nfrags > 0 && fragLeft > 0 {
			continue
		}
		post(nfrags == 0 && left == 0)
		seglen = mss
	}

	// Then the fragments, topping up the open segment before starting new
	// ones.
	for _, f := range pkt.Frags {
		nfrags--
		tx.stats.Frags.Add(1)
		for left, off := len(f.Data), 0; left > 0; {
			var n int
			if fragLeft > 0 {
				n = min(fragLeft, left)
				fragLeft -= n
				if err := b.mapSG(f.Data[off : off+n]); err != nil {
					return b.abort(err)
				}
			} else {
				n = min(mss, left)
				fragLeft = mss - n
				if err := b.mapDesc(f.Data[off:off+n], false); err != nil {
					return b.abort(err)
				}
			}
			left -= n
			off += n
			if nfrags > 0 && fragLeft > 0 {
				continue
			}
			post(nfrags == 0 && left == 0)
		}
	}

	tx.stats.Pkts.Add(uint64(segs))
	tx.stats.Bytes.Add(uint64(onWire))
	tx.stats.TSO.Add(1)
	tx.stats.TSOBytes.Add(uint64(onWire))
	return nil
}

// service handles one transmit completion, which may close several slots.
func (tx *TxQueue) service(raw *wire.Comp) bool {
	comp := wire.DecodeTxComp(raw)

	dist := int((uint32(comp.CompIndex) - tx.q.Tail()) & tx.q.mask)
	if dist >= tx.q.InFlight() {
		tx.stats.Desync.Add(1)
		tx.w.warn(logrus.Fields{
			"comp_index": comp.CompIndex,
			"tail":       tx.q.Tail(),
			"head":       tx.q.Head(),
		}, "completion index outside of ring")
		return false
	}

	for {
		s, idx := tx.q.popTail()
		s.Bytes = 0
		tx.clean(s, idx, true)
		if s.Index == comp.CompIndex {
			break
		}
	}
	return true
}

// clean unmaps what slot idx references and releases its packet, if any.
// completing is false while quiescing, when neither a wake is sent nor the
// packet counted as completed.
func (tx *TxQueue) clean(s *Slot, idx uint32, completing bool) {
	d := wire.GetTxDesc(tx.q.Desc(idx))
	tx.unmapDesc(dma.Addr(d.Addr), int(d.Len),
		d.Opcode != wire.TxOpTSO || d.Flags&wire.TxFlagTSOSOT != 0)
	for j := range int(d.NumSG) {
		e := wire.GetSGElem(tx.q.SGElem(idx, j))
		tx.unmapFrag(dma.Addr(e.Addr), int(e.Len))
	}

	if pkt := s.Pkt; pkt != nil {
		s.Bytes = pkt.Len()
		if completing {
			if tx.stopped.Load() {
				tx.wake()
			}
			tx.stats.CompletedBytes.Add(uint64(s.Bytes))
			tx.stats.Clean.Add(1)
		}
		pkt.Free()
	}
	s.Action = ActionNone
	s.Pkt = nil
}

func (tx *TxQueue) unmapDesc(addr dma.Addr, n int, single bool) {
	var err error
	if single {
		err = tx.mapper.UnmapSingle(addr, n, dma.ToDevice)
	} else {
		err = tx.mapper.UnmapPage(addr, n, dma.ToDevice)
	}
	if err != nil {
		tx.w.warn(logrus.Fields{"error": err}, "tx unmap failed")
	}
}

func (tx *TxQueue) unmapFrag(addr dma.Addr, n int) {
	if err := tx.mapper.UnmapPage(addr, n, dma.ToDevice); err != nil {
		tx.w.warn(logrus.Fields{"error": err}, "tx unmap failed")
	}
}

// empty cleans every posted slot and frees their packets. The device must
// be stopped.
func (tx *TxQueue) empty() {
	for !tx.q.Empty() {
		s, idx := tx.q.popTail()
		s.Bytes = 0
		tx.clean(s, idx, false)
	}
	tx.unrung = false
}
