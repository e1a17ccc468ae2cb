package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	pageShift = 12

	// PageSize is the translation granularity of a [Space].
	PageSize = 1 << pageShift

	firstAddr Addr = 1 << 32
	// Addresses are carried in 52-bit descriptor fields.
	limitAddr Addr = 1 << 52
)

type kind uint8

const (
	kindSingle kind = iota
	kindPage
	kindCoherent
)

func (k kind) String() string {
	switch k {
	case kindSingle:
		return "single"
	case kindPage:
		return "page"
	case kindCoherent:
		return "coherent"
	}
	return "unknown"
}

type mapping struct {
	base Addr
	buf  []byte
	dir  Direction
	kind kind
}

// FaultFunc decides whether a streaming mapping of size bytes should fail.
// It is called under the Space lock.
type FaultFunc func(size int, dir Direction) bool

// Space is a software IOMMU. It hands out page-aligned device addresses with
// a guard page after every mapping and translates them back for the device.
//
// Space is safe for concurrent use.
type Space struct {
	mu       sync.Mutex
	next     Addr
	pages    map[Addr]*mapping // page frame number -> mapping
	live     int
	coherent int
	fault    FaultFunc
}

var _ Device = (*Space)(nil)

func NewSpace() *Space {
	return &Space{
		next:  firstAddr,
		pages: make(map[Addr]*mapping),
	}
}

// SetFault installs f as the failure injector for streaming mappings.
// A nil f disables injection.
func (s *Space) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Live returns the number of streaming mappings currently held.
func (s *Space) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Space) MapSingle(buf []byte, dir Direction) (Addr, error) {
	return s.mapRegion(buf, dir, kindSingle)
}

func (s *Space) UnmapSingle(addr Addr, size int, dir Direction) error {
	return s.unmapRegion(addr, size, kindSingle)
}

func (s *Space) MapPage(buf []byte, dir Direction) (Addr, error) {
	return s.mapRegion(buf, dir, kindPage)
}

func (s *Space) UnmapPage(addr Addr, size int, dir Direction) error {
	return s.unmapRegion(addr, size, kindPage)
}

// SyncForCPU is a no-op: host and device share one coherent view of memory
// in this model.
func (s *Space) SyncForCPU(addr Addr, size int, dir Direction) {}

func (s *Space) SyncForDevice(addr Addr, size int, dir Direction) {}

// AllocCoherent returns 8-byte aligned, zeroed memory that stays mapped until
// FreeCoherent. Fault injection does not apply.
func (s *Space) AllocCoherent(size int) ([]byte, Addr, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: invalid size %d", ErrMappingFailed, size)
	}
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.insert(mem, Bidirectional, kindCoherent)
	if err != nil {
		return nil, 0, err
	}
	s.coherent++
	return mem, addr, nil
}

func (s *Space) FreeCoherent(mem []byte, addr Addr) error {
	return s.unmapRegion(addr, len(mem), kindCoherent)
}

// Resolve translates a device address range back into host memory.
// It is what the device side uses to read descriptors and move payload.
func (s *Space) Resolve(addr Addr, n int) ([]byte, error) {
	s.mu.Lock()
	m := s.pages[addr>>pageShift]
	s.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownAddr, uint64(addr))
	}
	off := int(addr - m.base)
	if n < 0 || off+n > len(m.buf) {
		return nil, fmt.Errorf("%w: %#x+%d (region %d bytes)",
			ErrOutOfRange, uint64(addr), n, len(m.buf))
	}
	return m.buf[off : off+n], nil
}

func (s *Space) mapRegion(buf []byte, dir Direction, k kind) (Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil && s.fault(len(buf), dir) {
		return 0, fmt.Errorf("%w: injected (%s, %d bytes)", ErrMappingFailed, k, len(buf))
	}
	addr, err := s.insert(buf, dir, k)
	if err != nil {
		return 0, err
	}
	s.live++
	return addr, nil
}

// insert must be called with s.mu held.
func (s *Space) insert(buf []byte, dir Direction, k kind) (Addr, error) {
	npages := (len(buf) + PageSize - 1) >> pageShift
	if npages == 0 {
		npages = 1
	}
	span := Addr(npages+1) << pageShift
	if s.next+span > limitAddr {
		return 0, fmt.Errorf("%w: %w", ErrMappingFailed, ErrSpaceFull)
	}
	base := s.next
	s.next += span

	m := &mapping{base: base, buf: buf, dir: dir, kind: k}
	for i := range npages {
		s.pages[base>>pageShift+Addr(i)] = m
	}
	return base, nil
}

func (s *Space) unmapRegion(addr Addr, size int, k kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.pages[addr>>pageShift]
	switch {
	case m == nil:
		return fmt.Errorf("%w: %#x", ErrUnknownAddr, uint64(addr))
	case m.base != addr:
		return fmt.Errorf("%w: %#x (mapping starts at %#x)",
			ErrNotRegionHead, uint64(addr), uint64(m.base))
	case m.kind != k:
		return fmt.Errorf("%w: mapped as %s, unmapped as %s", ErrKindMismatch, m.kind, k)
	case size > len(m.buf):
		return fmt.Errorf("%w: unmap %d bytes of %d", ErrOutOfRange, size, len(m.buf))
	}

	npages := (len(m.buf) + PageSize - 1) >> pageShift
	if npages == 0 {
		npages = 1
	}
	for i := range npages {
		delete(s.pages, addr>>pageShift+Addr(i))
	}
	if k == kindCoherent {
		s.coherent--
	} else {
		s.live--
	}
	return nil
}
