package nic

import (
	"fmt"

	"github.com/romshark/ionic-go/dma"
)

type QueueType uint8

const (
	QueueTypeRx QueueType = iota
	QueueTypeTx
)

func (t QueueType) String() string {
	switch t {
	case QueueTypeRx:
		return "rx"
	case QueueTypeTx:
		return "tx"
	}
	return fmt.Sprintf("qtype(%d)", uint8(t))
}

// IntrFlags modify an interrupt credit return.
type IntrFlags uint32

const (
	IntrCredCountMask     IntrFlags = 0x7fff
	IntrCredUnmask        IntrFlags = 0x20000
	IntrCredResetCoalesce IntrFlags = 0x40000
)

// QueueInfo describes the memory of one ring and its completion queue.
type QueueInfo struct {
	Type     QueueType
	Index    uint32
	NumDescs int
	// DescBase is the device address of the descriptor array.
	DescBase dma.Addr
	// SGBase is the device address of the per-slot SG element arrays.
	// Slot i owns SGStride bytes at SGBase + i*SGStride.
	SGBase   dma.Addr
	SGStride int
	CQBase   dma.Addr
	NumComps int
	Intr     int
}

// Device is the register-level collaborator of the data path.
type Device interface {
	// InitQueue publishes the ring and completion memory of a queue.
	InitQueue(QueueInfo) error
	// Doorbell tells the device that descriptors up to head are posted.
	Doorbell(t QueueType, qid uint32, head uint16)
	// ArmCQ requests one event once the completion queue passes cqTail.
	ArmCQ(t QueueType, qid uint32, cqTail uint16)
	// IntrCredits returns credits to an interrupt and may unmask it.
	IntrCredits(intr int, credits uint32, flags IntrFlags)
}

// Scheduler is the poll scheduling primitive that drives a queue.
type Scheduler interface {
	// CompleteDone is called when a poll did less work than its budget.
	// It reports whether polling stops and interrupts should be re-enabled.
	CompleteDone(workDone int) bool
}

// SchedulerFunc adapts a function to a Scheduler.
type SchedulerFunc func(workDone int) bool

func (f SchedulerFunc) CompleteDone(workDone int) bool { return f(workDone) }

// AlwaysComplete lets every short poll re-arm interrupts.
var AlwaysComplete Scheduler = SchedulerFunc(func(int) bool { return true })

// FlowControl receives stop and wake notifications for a TX queue.
type FlowControl interface {
	Stop(qid int)
	Wake(qid int)
}

type noFlowControl struct{}

func (noFlowControl) Stop(int) {}
func (noFlowControl) Wake(int) {}
