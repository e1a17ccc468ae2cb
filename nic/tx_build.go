package nic

import (
	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

// txBuild encodes one packet into consecutive slots starting at the head
// snapshot taken by begin. Either every descriptor of the packet is posted
// or abort returns the ring to the snapshot with all mappings undone.
type txBuild struct {
	tx     *TxQueue
	start  uint32
	unrung bool

	// The descriptor being assembled at head, not yet posted.
	open     bool
	single   bool
	addr     dma.Addr
	len      int
	nsg      int
	segBytes int
}

func (tx *TxQueue) begin() *txBuild {
	return &txBuild{tx: tx, start: tx.q.Head(), unrung: tx.unrung}
}

// mapDesc maps buf as the main buffer of a new descriptor at head. single
// selects a linear mapping, as used for the first buffer of a packet.
func (b *txBuild) mapDesc(buf []byte, single bool) error {
	var (
		addr dma.Addr
		err  error
	)
	if single {
		addr, err = b.tx.mapSingle(buf)
	} else {
		addr, err = b.tx.mapFrag(buf)
	}
	if err != nil {
		return err
	}
	b.open, b.single = true, single
	b.addr, b.len = addr, len(buf)
	b.nsg = 0
	b.segBytes = len(buf)
	return nil
}

// mapSG maps buf as the next SG element of the open descriptor.
func (b *txBuild) mapSG(buf []byte) error {
	if b.nsg >= b.tx.conf.TxMaxSG {
		return ErrTooManySG
	}
	addr, err := b.tx.mapFrag(buf)
	if err != nil {
		return err
	}
	head := b.tx.q.Head()
	wire.SGElem{Addr: uint64(addr), Len: uint16(len(buf))}.Put(b.tx.q.SGElem(head, b.nsg))
	b.nsg++
	b.segBytes += len(buf)
	return nil
}

// commit writes d for the open descriptor and posts it. pkt is attached
// only to the last descriptor of a packet.
func (b *txBuild) commit(d wire.TxDesc, ring bool, pkt *Packet) {
	d.Addr = uint64(b.addr)
	d.Len = uint16(b.len)
	d.NumSG = uint8(b.nsg)
	d.Put(b.tx.q.Desc(b.tx.q.Head()))
	b.open = false
	b.tx.post(ring, pkt)
}

// abort undoes the packet: posted slots are cleaned without releasing
// anything, the open descriptor is unmapped and head is restored.
func (b *txBuild) abort(err error) error {
	tx := b.tx
	for i := b.start; i != tx.q.Head(); i = (i + 1) & tx.q.mask {
		tx.clean(tx.q.Slot(i), i, false)
	}
	if b.open {
		tx.unmapDesc(b.addr, b.len, b.single)
		head := tx.q.Head()
		for j := range b.nsg {
			e := wire.GetSGElem(tx.q.SGElem(head, j))
			tx.unmapFrag(dma.Addr(e.Addr), int(e.Len))
		}
		b.open = false
	}
	tx.q.head.Store(b.start)
	tx.unrung = b.unrung
	return err
}
