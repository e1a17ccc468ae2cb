package softnic

import (
	"slices"
	"sync"
)

// Wire carries frames the device transmits. The frame is owned by the
// callee.
type Wire interface {
	Transmit(qid uint32, frame []byte) error
}

type WireFunc func(qid uint32, frame []byte) error

func (f WireFunc) Transmit(qid uint32, frame []byte) error { return f(qid, frame) }

// Discard drops every frame.
var Discard Wire = WireFunc(func(uint32, []byte) error { return nil })

// Loopback returns a Wire that receives every frame back on the RX queue
// with the same index.
func Loopback(n *NIC) Wire {
	return WireFunc(n.Deliver)
}

// Capture records transmitted frames.
type Capture struct {
	mu     sync.Mutex
	frames []CapturedFrame
}

type CapturedFrame struct {
	Queue uint32
	Data  []byte
}

func (c *Capture) Transmit(qid uint32, frame []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, CapturedFrame{Queue: qid, Data: frame})
	c.mu.Unlock()
	return nil
}

// Frames returns the frames recorded so far.
func (c *Capture) Frames() []CapturedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

// Reset forgets all recorded frames.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
