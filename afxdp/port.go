//go:build linux

package afxdp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/softnic"
)

// Receiver takes frames coming off the wire. *softnic.NIC implements it.
type Receiver interface {
	Deliver(qid uint32, frame []byte) error
}

// PortStats count the frames a Port moved.
type PortStats struct {
	RxFrames  atomic.Uint64
	RxBytes   atomic.Uint64
	RxDropped atomic.Uint64
	TxFrames  atomic.Uint64
	TxBytes   atomic.Uint64
	TxDropped atomic.Uint64
}

// Port connects one device queue to a socket. As a softnic.Wire it puts
// transmitted frames on the socket; Step delivers received frames to the
// device queue.
type Port struct {
	sock  *Socket
	dev   Receiver
	qid   uint32
	log   *logrus.Entry
	stats PortStats
	batch []Frame

	// txLock serializes the transmit side, which Transmit (from device
	// doorbells) and Step (reclaiming completions) share.
	txLock sync.Mutex
}

var _ softnic.Wire = (*Port)(nil)

func NewPort(sock *Socket, dev Receiver, qid uint32, logger *logrus.Logger) *Port {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Port{
		sock:  sock,
		dev:   dev,
		qid:   qid,
		batch: make([]Frame, sock.conf.BatchSize),
		log: logger.WithFields(logrus.Fields{
			"iface":    sock.iface.Name(),
			"queue":    sock.conf.QueueID,
			"zerocopy": sock.zerocopy,
		}),
	}
}

func (p *Port) Stats() *PortStats { return &p.stats }

func (s *PortStats) Counters() nic.Counters {
	return nic.Counters{
		"xdp_rx_frames":  s.RxFrames.Load(),
		"xdp_rx_bytes":   s.RxBytes.Load(),
		"xdp_rx_dropped": s.RxDropped.Load(),
		"xdp_tx_frames":  s.TxFrames.Load(),
		"xdp_tx_bytes":   s.TxBytes.Load(),
		"xdp_tx_dropped": s.TxDropped.Load(),
	}
}

// Transmit sends frame out of the socket. Frames are dropped, not queued,
// when no UMEM frame is free.
func (p *Port) Transmit(_ uint32, frame []byte) error {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	if err := p.sock.Send(frame); err != nil {
		p.stats.TxDropped.Add(1)
		return err
	}
	if err := p.sock.FlushTx(); err != nil {
		return err
	}
	p.stats.TxFrames.Add(1)
	p.stats.TxBytes.Add(uint64(len(frame)))
	return nil
}

// Step delivers one batch of received frames to the device, lending the
// buffers straight back to the kernel, and reclaims transmit completions.
// It never blocks and returns the number of frames received.
func (p *Port) Step() int {
	n := p.sock.Receive(p.batch)
	for _, f := range p.batch[:n] {
		p.deliver(f.Buf)
	}
	if n > 0 {
		p.sock.Release(p.batch[:n]...)
	}
	p.reclaim()
	return n
}

// Wait blocks until the socket has frames to receive or timeout passes.
func (p *Port) Wait(timeout time.Duration) error {
	return p.sock.Wait(int(timeout.Milliseconds()))
}

func (p *Port) deliver(frame []byte) {
	err := p.dev.Deliver(p.qid, frame)
	switch {
	case err == nil:
		p.stats.RxFrames.Add(1)
		p.stats.RxBytes.Add(uint64(len(frame)))
	case errors.Is(err, softnic.ErrNoBuffer):
		p.stats.RxDropped.Add(1)
	default:
		p.stats.RxDropped.Add(1)
		p.log.WithError(err).Warn("delivering frame")
	}
}

func (p *Port) reclaim() {
	p.txLock.Lock()
	p.sock.PollCompletions()
	p.txLock.Unlock()
}
