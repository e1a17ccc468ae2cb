package nic

import (
	"fmt"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

// CQ is a completion queue. Only the device writes entries; an entry is new
// when its color bit equals the expected done color, which flips each time
// the cursor wraps.
type CQ struct {
	mem  []byte
	addr dma.Addr
	num  uint32
	mask uint32

	tail      uint32
	doneColor bool
	bound     *Queue
}

func newCQ(mem dma.Device, n int, bound *Queue) (*CQ, error) {
	if err := CheckQueueSize(n); err != nil {
		return nil, err
	}
	cq := &CQ{
		num:       uint32(n),
		mask:      uint32(n - 1),
		doneColor: true,
		bound:     bound,
	}
	var err error
	if cq.mem, cq.addr, err = mem.AllocCoherent(n * wire.CompSize); err != nil {
		return nil, fmt.Errorf("allocating completions: %w", err)
	}
	return cq, nil
}

func (cq *CQ) free(mem dma.Device) error {
	if cq.mem == nil {
		return nil
	}
	err := mem.FreeCoherent(cq.mem, cq.addr)
	cq.mem = nil
	return err
}

func (cq *CQ) NumComps() int { return int(cq.num) }

// Tail is the index of the next entry to inspect.
func (cq *CQ) Tail() uint32 { return cq.tail }

// DoneColor is the color that marks a new entry in the current pass.
func (cq *CQ) DoneColor() bool { return cq.doneColor }

func (cq *CQ) entry(i uint32) []byte {
	off := int(i&cq.mask) * wire.CompSize
	return cq.mem[off : off+wire.CompSize : off+wire.CompSize]
}

// Service consumes new entries and passes each to handler until handler has
// reported budget entries of real work or the queue runs dry. It never
// consumes more than one lap. Entries for which handler returns false are
// consumed but not counted.
func (cq *CQ) Service(budget int, handler func(*wire.Comp) bool) (workDone int) {
	if budget <= 0 {
		return 0
	}
	for consumed := uint32(0); consumed < cq.num; consumed++ {
		e := cq.entry(cq.tail)
		if wire.LoadColor(e) != cq.doneColor {
			break
		}
		comp := wire.LoadComp(e)

		if cq.tail == cq.num-1 {
			cq.doneColor = !cq.doneColor
		}
		cq.tail = (cq.tail + 1) & cq.mask

		if handler(&comp) {
			workDone++
			if workDone >= budget {
				break
			}
		}
	}
	return workDone
}
