//go:build linux

// Package afxdp moves frames between the software device and a real network
// interface through AF_XDP sockets.
//
// Interface owns the XDP program that redirects each receive queue to its
// socket. Socket is an AF_XDP socket bound to one queue:
//
//   - RX ring: frames delivered from the NIC to userspace.
//   - Fill ring: UMEM frames userspace lends the kernel for RX.
//   - TX ring: frames userspace hands to the NIC.
//   - Completion ring: TX frames the kernel is done with.
//
// Port bridges a Socket to one queue of a softnic device.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= RxSize + TxSize")
	ErrRingSize          = errors.New("ring sizes must be powers of two")
	ErrFrameTooLarge     = errors.New("frame exceeds the UMEM frame size")
	ErrNoFrame           = errors.New("no free UMEM frame")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
	DefaultBatchSize = 64
	DefaultMaxQueues = 64
)

type InterfaceConfig struct {
	// PreferZerocopy requests driver mode XDP and zero-copy sockets,
	// falling back to copy mode per queue where unsupported.
	PreferZerocopy bool
	// MaxQueues bounds the queue ids sockets can bind to.
	MaxQueues uint32
}

type SocketConfig struct {
	// QueueID identifies the NIC queue to bind to.
	QueueID uint32
	// NumFrames is the number of UMEM frames.
	NumFrames uint32
	// FrameSize is the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sizes the RX and fill rings.
	RxSize uint32
	// TxSize sizes the TX and completion rings.
	TxSize uint32
	// BatchSize bounds the frames handled per receive or completion call.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if !isPowerOfTwo(c.RxSize) || !isPowerOfTwo(c.TxSize) {
		return ErrRingSize
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Interface is a network interface with the redirect program attached.
type Interface struct {
	name           string
	index          int
	preferZerocopy bool

	link link.Link
	prog *program
}

// MakeInterface loads the redirect program and attaches it to the named
// interface. Close detaches it.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	if conf.MaxQueues == 0 {
		conf.MaxQueues = DefaultMaxQueues
	}

	prog, err := loadProgram(conf.MaxQueues)
	if err != nil {
		return nil, err
	}

	opts := link.XDPOptions{
		Program:   prog.prog,
		Interface: netIf.Index,
	}
	if conf.PreferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		prog.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	return &Interface{
		name:           name,
		index:          netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
		link:           l,
		prog:           prog,
	}, nil
}

func (i *Interface) Name() string { return i.name }

// QueueIDs lists the RX queue ids of the interface in ascending order.
func (i *Interface) QueueIDs() ([]uint32, error) {
	path := "/sys/class/net/" + i.name + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	var ids []uint32
	for _, e := range entries {
		s, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing queue %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the program. Sockets must be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	return errors.Join(errs...)
}

// Frame is a UMEM frame lent out by a Socket.
type Frame struct {
	// Buf aliases UMEM.
	Buf  []byte
	Addr uint64
}

// Socket is an AF_XDP socket. It is not safe for concurrent use, except
// that the receive side (Receive, Release) and the transmit side (NextFrame,
// Submit, FlushTx, PollCompletions) may each run on their own goroutine.
type Socket struct {
	conf     SocketConfig
	zerocopy bool
	iface    *Interface

	fd      int
	umem    []byte
	regions [][]byte

	rx   descRing
	tx   descRing
	fill addrRing
	comp addrRing

	// free holds the UMEM addresses of frames available for TX.
	free []uint64
}

// Open creates a socket bound to conf.QueueID. The first RxSize UMEM frames
// are lent to the kernel for receiving; the rest serve transmission.
func (i *Interface) Open(conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	s := &Socket{conf: conf, iface: i, fd: -1}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0); err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	if err = s.registerUMEM(); err != nil {
		return nil, err
	}
	if err = s.mapRings(); err != nil {
		return nil, err
	}

	idx, _ := s.fill.reserve(conf.RxSize)
	for f := range conf.RxSize {
		*s.fill.at(idx + f) = uint64(f) * uint64(conf.FrameSize)
	}
	s.fill.submit()
	s.free = make([]uint64, 0, conf.NumFrames-conf.RxSize)
	for f := conf.RxSize; f < conf.NumFrames; f++ {
		s.free = append(s.free, uint64(f)*uint64(conf.FrameSize))
	}

	if err = s.bind(i.preferZerocopy); err != nil {
		return nil, err
	}
	if err = i.prog.register(conf.QueueID, s.fd); err != nil {
		return nil, fmt.Errorf("registering socket for queue %d: %w", conf.QueueID, err)
	}
	return s, nil
}

func (s *Socket) registerUMEM() error {
	var err error
	size := int(s.conf.NumFrames) * int(s.conf.FrameSize)
	s.umem, err = unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := unix.XDPUmemReg{
		Addr: uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:  uint64(len(s.umem)),
		Size: s.conf.FrameSize,
	}
	if err := setsockopt(s.fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, o := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, s.conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, s.conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, s.conf.RxSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, s.conf.TxSize},
	} {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_XDP, o.opt, int(o.size)); err != nil {
			return fmt.Errorf("setsockopt %s: %w", o.name, err)
		}
	}
	return nil
}

func (s *Socket) mapRings() error {
	var offs unix.XDPMmapOffsets
	if err := getsockopt(s.fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := uint64(unsafe.Sizeof(xdpDesc{}))
	var err error
	if s.rx, err = s.mapDescRing("RX", offs.Rx, s.conf.RxSize, unix.XDP_PGOFF_RX_RING, false, descSize); err != nil {
		return err
	}
	if s.tx, err = s.mapDescRing("TX", offs.Tx, s.conf.TxSize, unix.XDP_PGOFF_TX_RING, true, descSize); err != nil {
		return err
	}
	if s.fill, err = s.mapAddrRing("fill", offs.Fr, s.conf.RxSize, unix.XDP_UMEM_PGOFF_FILL_RING, true); err != nil {
		return err
	}
	if s.comp, err = s.mapAddrRing("completion", offs.Cr, s.conf.TxSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING, false); err != nil {
		return err
	}
	return nil
}

// mapRegion maps a ring and returns pointers to its index words and the
// start of its entries.
func (s *Socket) mapRegion(
	name string, off unix.XDPRingOffset, length uint64, pgoff int64,
) (prod, cons *uint32, entries unsafe.Pointer, err error) {
	mem, err := unix.Mmap(s.fd, pgoff, int(off.Desc+length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mmap %s ring: %w", name, err)
	}
	s.regions = append(s.regions, mem)
	base := unsafe.Pointer(&mem[0])
	return (*uint32)(unsafe.Add(base, off.Producer)),
		(*uint32)(unsafe.Add(base, off.Consumer)),
		unsafe.Add(base, off.Desc), nil
}

func (s *Socket) mapDescRing(
	name string, off unix.XDPRingOffset, size uint32, pgoff int64, producer bool, descSize uint64,
) (descRing, error) {
	prod, cons, entries, err := s.mapRegion(name, off, uint64(size)*descSize, pgoff)
	if err != nil {
		return descRing{}, err
	}
	return descRing{
		ring:  newRing(prod, cons, size, producer),
		descs: unsafe.Slice((*xdpDesc)(entries), size),
	}, nil
}

func (s *Socket) mapAddrRing(
	name string, off unix.XDPRingOffset, size uint32, pgoff int64, producer bool,
) (addrRing, error) {
	prod, cons, entries, err := s.mapRegion(name, off, uint64(size)*8, pgoff)
	if err != nil {
		return addrRing{}, err
	}
	return addrRing{
		ring:  newRing(prod, cons, size, producer),
		addrs: unsafe.Slice((*uint64)(entries), size),
	}, nil
}

func (s *Socket) bind(zerocopy bool) error {
	sa := &unix.SockaddrXDP{
		Flags:   unix.XDP_USE_NEED_WAKEUP,
		Ifindex: uint32(s.iface.index),
		QueueID: s.conf.QueueID,
	}
	if zerocopy {
		sa.Flags |= unix.XDP_ZEROCOPY
	} else {
		sa.Flags |= unix.XDP_COPY
	}

	err := unix.Bind(s.fd, sa)
	if zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// The queue can't do zero-copy; fall back to copy mode.
		sa.Flags = unix.XDP_USE_NEED_WAKEUP | unix.XDP_COPY
		zerocopy = false
		err = unix.Bind(s.fd, sa)
	}
	if err != nil {
		return fmt.Errorf("binding to %s queue %d: %w", s.iface.name, s.conf.QueueID, err)
	}
	s.zerocopy = zerocopy
	return nil
}

func (s *Socket) QueueID() uint32 { return s.conf.QueueID }

// IsZerocopy reports whether the socket runs in zero-copy mode. It may be
// false despite PreferZerocopy when the queue only supports copy mode.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

// FreeFrames returns the number of frames available for transmission.
func (s *Socket) FreeFrames() int { return len(s.free) }

// Close releases the socket and its memory.
func (s *Socket) Close() error {
	var errs []error
	if s.fd >= 0 {
		if s.iface != nil && s.iface.prog != nil {
			if err := s.iface.prog.unregister(s.conf.QueueID); err != nil {
				errs = append(errs, fmt.Errorf("unregistering socket: %w", err))
			}
		}
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

// Wait blocks until the socket is readable or timeoutMS passes. Only
// system call failures are reported; EINTR is retried.
func (s *Socket) Wait(timeoutMS int) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, timeoutMS)
		if err != unix.EINTR {
			return err
		}
	}
}

// Receive fills dst with received frames and returns how many it stored.
// Each frame must be handed back with Release.
func (s *Socket) Receive(dst []Frame) int {
	n := s.rx.available(uint32(len(dst)))
	for i := range n {
		d := s.rx.at(s.rx.cachedCons + i)
		dst[i] = Frame{
			Buf:  s.umem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		}
	}
	if n > 0 {
		s.rx.consume(n)
	}
	return int(n)
}

// Release lends received frames back to the kernel for RX.
func (s *Socket) Release(frames ...Frame) {
	idx, ok := s.fill.reserve(uint32(len(frames)))
	if !ok {
		// Can't happen: every frame taken from RX was in the fill ring.
		panic("afxdp: fill ring overflow")
	}
	for i, f := range frames {
		*s.fill.at(idx + uint32(i)) = f.Addr
	}
	s.fill.submit()
}

// NextFrame returns a writable UMEM frame for transmission, reclaiming
// completed frames when none is free.
func (s *Socket) NextFrame() (Frame, error) {
	if len(s.free) == 0 && s.PollCompletions() == 0 {
		return Frame{}, ErrNoFrame
	}
	addr := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return Frame{
		Buf:  s.umem[addr : addr+uint64(s.conf.FrameSize)],
		Addr: addr,
	}, nil
}

// Submit queues length bytes of the frame at addr for transmission. It
// waits for ring space, reclaiming completions and kicking the kernel.
// The frame is sent on FlushTx.
func (s *Socket) Submit(addr uint64, length uint32) error {
	for {
		idx, ok := s.tx.reserve(1)
		if ok {
			*s.tx.at(idx) = xdpDesc{Addr: addr, Len: length}
			return nil
		}
		if s.PollCompletions() == 0 {
			if err := s.kick(); err != nil {
				return err
			}
		}
	}
}

// Send copies frame into a free UMEM frame and queues it.
func (s *Socket) Send(frame []byte) error {
	if len(frame) > int(s.conf.FrameSize) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	f, err := s.NextFrame()
	if err != nil {
		return err
	}
	n := copy(f.Buf, frame)
	return s.Submit(f.Addr, uint32(n))
}

// FlushTx publishes the queued descriptors and wakes the kernel.
func (s *Socket) FlushTx() error {
	if !s.tx.pending() {
		return nil
	}
	s.tx.submit()
	return s.kick()
}

// kick is the TX doorbell: with XDP_USE_NEED_WAKEUP a zero-length sendto
// makes the kernel process the TX ring.
func (s *Socket) kick() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
		return nil
	}
	return fmt.Errorf("tx wakeup: %w", err)
}

// PollCompletions reclaims up to BatchSize transmitted frames and returns
// how many it reclaimed.
func (s *Socket) PollCompletions() int {
	n := s.comp.available(s.conf.BatchSize)
	for i := range n {
		s.free = append(s.free, *s.comp.at(s.comp.cachedCons + i))
	}
	if n > 0 {
		s.comp.consume(n)
	}
	return int(n)
}

func setsockopt(fd, name int, val unsafe.Pointer, size uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), size, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, size uintptr) error {
	l := uint32(size)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}
