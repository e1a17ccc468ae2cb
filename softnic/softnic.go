// Package softnic is a software model of the device side of the data path.
// It implements nic.Device over a dma.Space: it consumes transmit
// descriptors and applies their offloads, fills posted receive buffers,
// writes completions with the color protocol and keeps interrupt credit
// state. Frames leave and enter through a Wire.
package softnic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/wire"
)

var (
	ErrUnknownQueue = errors.New("queue is not initialized")
	ErrNoBuffer     = errors.New("no receive buffer posted")
	ErrNoMemory     = errors.New("memory space is required")
)

// Completion status codes written by the device.
const (
	StatusBufTooSmall uint8 = 1
	StatusBadAddr     uint8 = 2
)

type Config struct {
	Mem *dma.Space
	// Wire carries transmitted frames. Nil discards them.
	Wire Wire
	// AutoProcess consumes transmit descriptors on every doorbell.
	// Without it ProcessTx must be called.
	AutoProcess bool
	// KeepVLAN disables receive VLAN tag stripping.
	KeepVLAN bool
	// RSSKey is the Toeplitz key. Defaults to DefaultRSSKey.
	RSSKey []byte
	// Interrupt is called when an unmasked interrupt fires. The interrupt
	// masks itself until credits are returned with nic.IntrCredUnmask.
	Interrupt func(intr int)
	// Event is called once per arming when an armed completion queue
	// receives an entry.
	Event  func(t nic.QueueType, qid uint32)
	Logger *logrus.Logger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Mem == nil {
		return ErrNoMemory
	}
	if c.Wire == nil {
		c.Wire = Discard
	}
	if c.RSSKey == nil {
		c.RSSKey = DefaultRSSKey
	}
	if len(c.RSSKey) < rssKeyMinLen {
		return fmt.Errorf("rss key of %d bytes is shorter than %d", len(c.RSSKey), rssKeyMinLen)
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

type queueKey struct {
	t   nic.QueueType
	qid uint32
}

// ring is the device's view of one queue and its completion queue.
type ring struct {
	info nic.QueueInfo
	desc []byte
	sg   []byte
	cq   []byte

	posted uint16 // head from the last doorbell
	next   uint16 // next descriptor to consume
	mask   uint16

	cqHead uint32
	color  bool
	armed  bool
}

func (r *ring) descAt(i uint16) []byte {
	off := int(i&r.mask) * wire.DescSize
	return r.desc[off : off+wire.DescSize]
}

func (r *ring) sgAt(i uint16, j int) []byte {
	off := int(i&r.mask)*r.info.SGStride + j*wire.SGElemSize
	return r.sg[off : off+wire.SGElemSize]
}

func (r *ring) maxSG() int { return r.info.SGStride / wire.SGElemSize }

// complete publishes c at the completion queue head with the current color.
func (r *ring) complete(c *wire.Comp) {
	off := int(r.cqHead) * wire.CompSize
	wire.PublishComp(r.cq[off:off+wire.CompSize], c)
	r.cqHead++
	if r.cqHead == uint32(r.info.NumComps) {
		r.cqHead = 0
		r.color = !r.color
	}
}

// Intr is the state of one interrupt.
type Intr struct {
	// Pending counts completions not yet returned as credits.
	Pending uint32
	Masked  bool
	Fired   uint64
	// Credits is the total of returned credits.
	Credits        uint64
	Unmasks        uint64
	CoalesceResets uint64
}

// NIC is a software device. It is safe for concurrent use.
type NIC struct {
	conf Config
	log  *logrus.Entry

	mu     sync.Mutex
	queues map[queueKey]*ring
	intrs  map[int]*Intr
	// notes are callbacks collected under mu and run after unlocking.
	notes []func()

	stats Stats
}

var _ nic.Device = (*NIC)(nil)

func New(conf Config) (*NIC, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &NIC{
		conf:   conf,
		log:    conf.Logger.WithField("device", "softnic"),
		queues: make(map[queueKey]*ring),
		intrs:  make(map[int]*Intr),
	}, nil
}

func (n *NIC) Stats() *Stats { return &n.stats }

// Intr returns a copy of the state of interrupt i.
func (n *NIC) Intr(i int) Intr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if in := n.intrs[i]; in != nil {
		return *in
	}
	return Intr{}
}

// InitQueue resolves the queue memory and resets the device cursors.
func (n *NIC) InitQueue(info nic.QueueInfo) error {
	r := &ring{
		info:  info,
		mask:  uint16(info.NumDescs - 1),
		color: true,
	}
	var err error
	if r.desc, err = n.conf.Mem.Resolve(info.DescBase, info.NumDescs*wire.DescSize); err != nil {
		return fmt.Errorf("resolving %s descriptors: %w", info.Type, err)
	}
	if info.SGStride > 0 {
		if r.sg, err = n.conf.Mem.Resolve(info.SGBase, info.NumDescs*info.SGStride); err != nil {
			return fmt.Errorf("resolving %s sg elements: %w", info.Type, err)
		}
	}
	if r.cq, err = n.conf.Mem.Resolve(info.CQBase, info.NumComps*wire.CompSize); err != nil {
		return fmt.Errorf("resolving %s completions: %w", info.Type, err)
	}

	n.mu.Lock()
	n.queues[queueKey{info.Type, info.Index}] = r
	if n.intrs[info.Intr] == nil {
		n.intrs[info.Intr] = &Intr{}
	}
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"queue": info.Type.String(),
		"index": info.Index,
		"descs": info.NumDescs,
		"comps": info.NumComps,
	}).Debug("queue initialized")
	return nil
}

func (n *NIC) Doorbell(t nic.QueueType, qid uint32, head uint16) {
	n.stats.Doorbells.Add(1)
	n.mu.Lock()
	r := n.queues[queueKey{t, qid}]
	if r == nil {
		n.mu.Unlock()
		n.log.WithFields(logrus.Fields{"queue": t.String(), "index": qid}).
			Warn("doorbell on unknown queue")
		return
	}
	r.posted = head & r.mask
	var frames [][]byte
	if t == nic.QueueTypeTx && n.conf.AutoProcess {
		frames = n.processTx(r)
	}
	notes := n.takeNotes()
	n.mu.Unlock()

	n.transmit(qid, frames)
	runNotes(notes)
}

// ArmCQ asks for one event once the completion queue moves past cqTail.
func (n *NIC) ArmCQ(t nic.QueueType, qid uint32, cqTail uint16) {
	n.mu.Lock()
	r := n.queues[queueKey{t, qid}]
	if r != nil {
		r.armed = true
		if uint32(cqTail) != r.cqHead {
			n.event(r)
		}
	}
	notes := n.takeNotes()
	n.mu.Unlock()
	runNotes(notes)
}

func (n *NIC) IntrCredits(intr int, credits uint32, flags nic.IntrFlags) {
	n.mu.Lock()
	in := n.intrs[intr]
	if in == nil {
		in = &Intr{}
		n.intrs[intr] = in
	}
	credits &= uint32(nic.IntrCredCountMask)
	in.Credits += uint64(credits)
	in.Pending -= min(credits, in.Pending)
	if flags&nic.IntrCredResetCoalesce != 0 {
		in.CoalesceResets++
	}
	if flags&nic.IntrCredUnmask != 0 {
		in.Unmasks++
		in.Masked = false
		if in.Pending > 0 {
			n.fire(intr, in)
		}
	}
	notes := n.takeNotes()
	n.mu.Unlock()
	runNotes(notes)
}

// ProcessTx consumes the descriptors posted on TX queue qid and returns the
// number of frames put on the wire.
func (n *NIC) ProcessTx(qid uint32) (int, error) {
	n.mu.Lock()
	r := n.queues[queueKey{nic.QueueTypeTx, qid}]
	if r == nil {
		n.mu.Unlock()
		return 0, fmt.Errorf("%w: tx %d", ErrUnknownQueue, qid)
	}
	frames := n.processTx(r)
	notes := n.takeNotes()
	n.mu.Unlock()

	n.transmit(qid, frames)
	runNotes(notes)
	return len(frames), nil
}

// PendingTx returns the number of TX descriptors posted but not consumed.
func (n *NIC) PendingTx(qid uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.queues[queueKey{nic.QueueTypeTx, qid}]
	if r == nil {
		return 0
	}
	return int((r.posted - r.next) & r.mask)
}

func (n *NIC) transmit(qid uint32, frames [][]byte) {
	for _, f := range frames {
		if err := n.conf.Wire.Transmit(qid, f); err != nil {
			n.stats.WireErrors.Add(1)
			n.log.WithFields(logrus.Fields{
				"index": qid,
				"error": err,
			}).Debug("wire transmit failed")
		}
	}
}

// signal accounts one completion on the queue's interrupt. Must hold mu.
func (n *NIC) signal(r *ring) {
	if r.armed {
		n.event(r)
	}
	in := n.intrs[r.info.Intr]
	in.Pending++
	if !in.Masked {
		n.fire(r.info.Intr, in)
	}
}

// fire must hold mu.
func (n *NIC) fire(intr int, in *Intr) {
	in.Masked = true
	in.Fired++
	if f := n.conf.Interrupt; f != nil {
		n.notes = append(n.notes, func() { f(intr) })
	}
}

// event must hold mu.
func (n *NIC) event(r *ring) {
	r.armed = false
	n.stats.Events.Add(1)
	if f := n.conf.Event; f != nil {
		t, qid := r.info.Type, r.info.Index
		n.notes = append(n.notes, func() { f(t, qid) })
	}
}

func (n *NIC) takeNotes() []func() {
	notes := n.notes
	n.notes = nil
	return notes
}

func runNotes(notes []func()) {
	for _, f := range notes {
		f()
	}
}

// Stats are the device counters.
type Stats struct {
	Doorbells  atomic.Uint64
	Events     atomic.Uint64
	TxFrames   atomic.Uint64
	TxBytes    atomic.Uint64
	TxSegments atomic.Uint64
	TxErrors   atomic.Uint64
	RxFrames   atomic.Uint64
	RxBytes    atomic.Uint64
	RxNoBuf    atomic.Uint64
	RxErrors   atomic.Uint64
	WireErrors atomic.Uint64
}

func (s *Stats) Counters() nic.Counters {
	return nic.Counters{
		"dev_doorbells":   s.Doorbells.Load(),
		"dev_events":      s.Events.Load(),
		"dev_tx_frames":   s.TxFrames.Load(),
		"dev_tx_bytes":    s.TxBytes.Load(),
		"dev_tx_segments": s.TxSegments.Load(),
		"dev_tx_errors":   s.TxErrors.Load(),
		"dev_rx_frames":   s.RxFrames.Load(),
		"dev_rx_bytes":    s.RxBytes.Load(),
		"dev_rx_nobuf":    s.RxNoBuf.Load(),
		"dev_rx_errors":   s.RxErrors.Load(),
		"dev_wire_errors": s.WireErrors.Load(),
	}
}
