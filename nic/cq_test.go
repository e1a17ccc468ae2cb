package nic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

// cqWriter plays the device side of a completion queue.
type cqWriter struct {
	cq    *CQ
	head  uint32
	color bool
}

func newTestCQ(t *testing.T, n int) (*CQ, *cqWriter) {
	t.Helper()
	mem := dma.NewSpace()
	cq, err := newCQ(mem, n, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cq.free(mem)) })
	return cq, &cqWriter{cq: cq, color: true}
}

func (w *cqWriter) tx(index uint16) {
	c := wire.TxComp{CompIndex: index, Color: w.color}
	raw := c.Encode()
	w.publish(&raw)
}

func (w *cqWriter) rx(c wire.RxComp) {
	c.Color = w.color
	raw := c.Encode()
	w.publish(&raw)
}

func (w *cqWriter) publish(raw *wire.Comp) {
	wire.PublishComp(w.cq.entry(w.head), raw)
	w.head++
	if w.head == w.cq.num {
		w.head = 0
		w.color = !w.color
	}
}

func TestCQServiceColor(t *testing.T) {
	cq, w := newTestCQ(t, 4)

	var seen []uint16
	handler := func(c *wire.Comp) bool {
		seen = append(seen, wire.DecodeTxComp(c).CompIndex)
		return true
	}

	assert.Equal(t, 0, cq.Service(16, handler), "fresh queue is empty")
	assert.True(t, cq.DoneColor())

	w.tx(10)
	w.tx(11)
	w.tx(12)
	assert.Equal(t, 3, cq.Service(16, handler))
	assert.Equal(t, uint32(3), cq.Tail())
	assert.True(t, cq.DoneColor())

	// The fourth entry wraps the queue and flips the color.
	w.tx(13)
	assert.Equal(t, 1, cq.Service(16, handler))
	assert.Equal(t, uint32(0), cq.Tail())
	assert.False(t, cq.DoneColor())

	// Entries from the previous lap are stale now.
	assert.Equal(t, 0, cq.Service(16, handler))

	w.tx(14)
	assert.Equal(t, 1, cq.Service(16, handler))
	assert.Equal(t, []uint16{10, 11, 12, 13, 14}, seen)
}

func TestCQServiceBudget(t *testing.T) {
	cq, w := newTestCQ(t, 8)
	for i := range 5 {
		w.tx(uint16(i))
	}
	count := func(*wire.Comp) bool { return true }

	assert.Equal(t, 0, cq.Service(0, count))
	assert.Equal(t, 2, cq.Service(2, count))
	assert.Equal(t, uint32(2), cq.Tail())
	assert.Equal(t, 3, cq.Service(10, count))
}

func TestCQServiceUncountedEntries(t *testing.T) {
	cq, w := newTestCQ(t, 8)
	for i := range 6 {
		w.tx(uint16(i))
	}
	// Odd entries are consumed but do not count as work.
	even := func(c *wire.Comp) bool { return wire.DecodeTxComp(c).CompIndex%2 == 0 }

	assert.Equal(t, 2, cq.Service(2, even))
	assert.Equal(t, uint32(3), cq.Tail(), "stops right after the second counted entry")
	assert.Equal(t, 1, cq.Service(10, even))
	assert.Equal(t, uint32(6), cq.Tail())
}

func TestCQServiceOneLap(t *testing.T) {
	cq, w := newTestCQ(t, 4)
	for i := range 4 {
		w.tx(uint16(i))
	}
	calls := 0
	none := func(*wire.Comp) bool {
		calls++
		return false
	}
	assert.Equal(t, 0, cq.Service(100, none))
	assert.Equal(t, 4, calls, "never more than one lap per call")
	assert.False(t, cq.DoneColor())
}

func TestCQServiceRxEntry(t *testing.T) {
	cq, w := newTestCQ(t, 4)
	w.rx(wire.RxComp{
		CompIndex: 2,
		Len:       60,
		RSSHash:   0xdeadbeef,
		PktType:   wire.PktTypeIPv6UDP,
		CsumFlags: wire.RxCsumUDPOK | wire.RxCsumCalc,
	})

	var got wire.RxComp
	n := cq.Service(1, func(c *wire.Comp) bool {
		got = wire.DecodeRxComp(c)
		return true
	})
	require.Equal(t, 1, n)
	assert.Equal(t, uint16(2), got.CompIndex)
	assert.Equal(t, uint16(60), got.Len)
	assert.Equal(t, uint32(0xdeadbeef), got.RSSHash)
	assert.Equal(t, wire.PktTypeIPv6UDP, got.PktType)
	assert.True(t, got.Color)
}
