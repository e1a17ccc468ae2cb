package nic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

// ErrQueueSizeInvalid is returned when a ring or completion queue size is
// invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// CheckQueueSize checks that n is a power of 2 that 16-bit indices can
// address.
func CheckQueueSize(n int) error {
	if n < 2 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, n)
	}
	if n&(n-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, n)
	}
	if n > 1<<15 {
		return fmt.Errorf("%w: %d is larger than the maximum queue size %d",
			ErrQueueSizeInvalid, n, 1<<15)
	}
	return nil
}

// Action is what completing a slot does.
type Action uint8

const (
	// ActionNone marks a free slot.
	ActionNone Action = iota
	// ActionRefill is a posted receive buffer.
	ActionRefill
	// ActionCleanup is a posted transmit descriptor. Only the last
	// descriptor of a packet carries the packet.
	ActionCleanup
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRefill:
		return "refill"
	case ActionCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Slot is the software state paired with one descriptor.
type Slot struct {
	// Index is the completion sequence index of the slot.
	Index  uint16
	Action Action
	Pkt    *Packet
	// Bytes is the packet length, recorded when a TX packet is cleaned.
	Bytes int
	// NBufs is the number of RX fragments the descriptor references.
	NBufs int
}

// Queue is a descriptor ring. The producer owns head, the consumer owns tail;
// both are published atomically so the other side may read them.
type Queue struct {
	Type  QueueType
	Index uint32

	num  uint32
	mask uint32
	head atomic.Uint32
	tail atomic.Uint32

	desc     []byte
	descAddr dma.Addr
	sg       []byte
	sgAddr   dma.Addr
	sgStride int
	info     []Slot

	dev       Device
	doorbells atomic.Uint64
}

func newQueue(mem dma.Device, dev Device, t QueueType, index uint32, n, maxSG int) (*Queue, error) {
	if err := CheckQueueSize(n); err != nil {
		return nil, err
	}
	q := &Queue{
		Type:     t,
		Index:    index,
		num:      uint32(n),
		mask:     uint32(n - 1),
		sgStride: maxSG * wire.SGElemSize,
		info:     make([]Slot, n),
		dev:      dev,
	}
	var err error
	if q.desc, q.descAddr, err = mem.AllocCoherent(n * wire.DescSize); err != nil {
		return nil, fmt.Errorf("allocating %s descriptors: %w", t, err)
	}
	if q.sgStride > 0 {
		if q.sg, q.sgAddr, err = mem.AllocCoherent(n * q.sgStride); err != nil {
			_ = mem.FreeCoherent(q.desc, q.descAddr)
			return nil, fmt.Errorf("allocating %s sg elements: %w", t, err)
		}
	}
	for i := range q.info {
		q.info[i].Index = uint16(i)
	}
	return q, nil
}

func (q *Queue) free(mem dma.Device) error {
	var errs []error
	if q.desc != nil {
		errs = append(errs, mem.FreeCoherent(q.desc, q.descAddr))
		q.desc = nil
	}
	if q.sg != nil {
		errs = append(errs, mem.FreeCoherent(q.sg, q.sgAddr))
		q.sg = nil
	}
	return errors.Join(errs...)
}

// NumDescs returns the ring size.
func (q *Queue) NumDescs() int { return int(q.num) }

// Head returns the index of the next slot to post.
func (q *Queue) Head() uint32 { return q.head.Load() }

// Tail returns the index of the oldest posted slot.
func (q *Queue) Tail() uint32 { return q.tail.Load() }

// Desc returns the descriptor memory of slot i.
func (q *Queue) Desc(i uint32) []byte {
	off := int(i&q.mask) * wire.DescSize
	return q.desc[off : off+wire.DescSize : off+wire.DescSize]
}

// SG returns the SG element memory of slot i.
func (q *Queue) SG(i uint32) []byte {
	off := int(i&q.mask) * q.sgStride
	return q.sg[off : off+q.sgStride : off+q.sgStride]
}

// SGElem returns SG element j of slot i.
func (q *Queue) SGElem(i uint32, j int) []byte {
	off := int(i&q.mask)*q.sgStride + j*wire.SGElemSize
	return q.sg[off : off+wire.SGElemSize : off+wire.SGElemSize]
}

// Slot returns the software state of slot i.
func (q *Queue) Slot(i uint32) *Slot { return &q.info[i&q.mask] }

// Capacity is the number of descriptors that can be in flight at once.
// One slot always stays empty so a full ring can be told from an empty one.
func (q *Queue) Capacity() int { return int(q.num) - 1 }

// SpaceAvail returns the number of descriptors that can be posted now.
func (q *Queue) SpaceAvail() int {
	head, tail := q.head.Load(), q.tail.Load()
	avail := tail
	if head >= tail {
		avail += q.num - head - 1
	} else {
		avail -= head + 1
	}
	return int(avail)
}

// InFlight returns the number of posted, not yet completed descriptors.
func (q *Queue) InFlight() int {
	return int((q.head.Load() - q.tail.Load()) & q.mask)
}

// HasSpace reports whether n descriptors can be posted now.
func (q *Queue) HasSpace(n int) bool { return q.SpaceAvail() >= n }

// Empty reports whether nothing is in flight.
func (q *Queue) Empty() bool { return q.head.Load() == q.tail.Load() }

// Post attaches action and pkt to the head slot, advances head and, if
// ringDoorbell is set, tells the device.
func (q *Queue) Post(ringDoorbell bool, action Action, pkt *Packet) {
	head := q.head.Load()
	s := &q.info[head]
	s.Action = action
	s.Pkt = pkt
	q.head.Store((head + 1) & q.mask)
	if ringDoorbell {
		q.RingDoorbell()
	}
}

// RingDoorbell publishes the current head to the device.
func (q *Queue) RingDoorbell() {
	q.doorbells.Add(1)
	q.dev.Doorbell(q.Type, q.Index, uint16(q.head.Load()))
}

// Doorbells returns how many times the doorbell was rung.
func (q *Queue) Doorbells() uint64 { return q.doorbells.Load() }

// popTail releases the tail slot to the caller and advances tail.
func (q *Queue) popTail() (*Slot, uint32) {
	tail := q.tail.Load()
	q.tail.Store((tail + 1) & q.mask)
	return &q.info[tail], tail
}

func (q *Queue) queueInfo(cq *CQ, intr int) QueueInfo {
	return QueueInfo{
		Type:     q.Type,
		Index:    q.Index,
		NumDescs: int(q.num),
		DescBase: q.descAddr,
		SGBase:   q.sgAddr,
		SGStride: q.sgStride,
		CQBase:   cq.addr,
		NumComps: int(cq.num),
		Intr:     intr,
	}
}
