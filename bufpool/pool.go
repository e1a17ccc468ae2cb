// Package bufpool owns receive buffer memory and its device mappings.
//
// Memory comes from one mmapped arena cut into fixed-size granules. A granule
// is mapped once and then sliced into several fragments: a [Fragment] walks
// an aligned offset cursor through its granule and carries a reference bias,
// a batch of page references charged up front so that handing a slice to a
// packet costs a decrement instead of an atomic increment.
package bufpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/romshark/ionic-go/dma"
)

var (
	ErrNoMemory      = errors.New("no free granules")
	ErrInvalidConfig = errors.New("invalid pool config")
	ErrPagesInUse    = errors.New("pages still referenced")
)

const (
	DefaultGranules    = 1024
	DefaultGranuleSize = 4096
	DefaultSplitSize   = DefaultGranuleSize / 4
	DefaultFrameLen    = 1500 + 14
)

type Config struct {
	// Granules is the number of granules in the arena.
	Granules int
	// GranuleSize is the size of one allocation granule in bytes.
	GranuleSize int
	// SplitSize is the alignment fragments are carved at.
	SplitSize int
	// FrameLen is the largest frame one fragment chain must cover. Together
	// with SplitSize it decides how many slices one mapping serves.
	FrameLen int
	// LowWater marks allocations that leave fewer free granules than this as
	// taken under memory pressure. Such pages are never recycled.
	LowWater int
	// Node is the NUMA node of the arena memory.
	Node int
	// LocalNode reports the NUMA node of the consuming CPU.
	// Defaults to a function returning Node.
	LocalNode func() int
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Granules == 0 {
		c.Granules = DefaultGranules
	}
	if c.GranuleSize == 0 {
		c.GranuleSize = DefaultGranuleSize
	}
	if c.SplitSize == 0 {
		c.SplitSize = DefaultSplitSize
	}
	if c.FrameLen == 0 {
		c.FrameLen = DefaultFrameLen
	}
	if c.LowWater == 0 {
		c.LowWater = c.Granules / 32
	}
	if c.LocalNode == nil {
		node := c.Node
		c.LocalNode = func() int { return node }
	}

	switch {
	case c.Granules < 0:
		return fmt.Errorf("%w: Granules %d", ErrInvalidConfig, c.Granules)
	case c.SplitSize < 0 || c.SplitSize&(c.SplitSize-1) != 0:
		return fmt.Errorf("%w: SplitSize %d is not a power of 2", ErrInvalidConfig, c.SplitSize)
	case c.GranuleSize < c.SplitSize || c.GranuleSize%c.SplitSize != 0:
		return fmt.Errorf("%w: GranuleSize %d is not a multiple of SplitSize %d",
			ErrInvalidConfig, c.GranuleSize, c.SplitSize)
	case c.FrameLen < 0:
		return fmt.Errorf("%w: FrameLen %d", ErrInvalidConfig, c.FrameLen)
	}
	return nil
}

// Page is one granule of arena memory.
// The reference count is external to the memory and adjusted in bulk.
type Page struct {
	pool     *Pool
	idx      int
	mem      []byte
	node     int
	pressure bool
	refs     atomic.Int32
}

func (p *Page) Bytes() []byte { return p.mem }

func (p *Page) Node() int { return p.node }

// UnderPressure reports whether the page was handed out while the pool was
// below its low-water mark.
func (p *Page) UnderPressure() bool { return p.pressure }

func (p *Page) Refs() int32 { return p.refs.Load() }

// Get takes one additional reference.
func (p *Page) Get() { p.refs.Add(1) }

// Put drops one reference. The last Put returns the granule to its pool.
func (p *Page) Put() { p.sub(1) }

func (p *Page) sub(n int32) {
	switch left := p.refs.Add(-n); {
	case left == 0:
		p.pool.reclaim(p)
	case left < 0:
		panic(fmt.Sprintf("bufpool: page %d reference count underflow (%d)", p.idx, left))
	}
}

// Fragment is a slot's view of a mapped granule.
// A Fragment with a nil Page is empty and must be allocated before reuse.
type Fragment struct {
	Page *Page
	// Addr is the device address of the granule start.
	Addr dma.Addr
	// Offset is the aligned cursor into the granule.
	Offset int
	// Bias is the number of page references charged in advance.
	Bias int
}

func (f *Fragment) Empty() bool { return f.Page == nil }

// DMAAddr is the device address at the current offset.
func (f *Fragment) DMAAddr() dma.Addr { return f.Addr + dma.Addr(f.Offset) }

// Avail is the number of bytes between the offset and the granule end.
func (f *Fragment) Avail() int { return len(f.Page.mem) - f.Offset }

// Slice returns n bytes of the granule starting at the offset.
func (f *Fragment) Slice(n int) []byte { return f.Page.mem[f.Offset : f.Offset+n] }

func (f *Fragment) reset() { *f = Fragment{} }

type Stats struct {
	Allocs    uint64
	AllocErrs uint64
	MapErrs   uint64
	UnmapErrs uint64
	Recycled  uint64
	Refused   uint64
	Free      int
}

// Pool hands out mapped granules. It may be shared across receive rings;
// every Fragment is owned by exactly one ring slot or packet at a time.
type Pool struct {
	conf   Config
	mapper dma.Mapper
	arena  []byte
	pages  []Page
	splits int

	mu   sync.Mutex
	free []int

	allocs    atomic.Uint64
	allocErrs atomic.Uint64
	mapErrs   atomic.Uint64
	unmapErrs atomic.Uint64
	recycled  atomic.Uint64
	refused   atomic.Uint64
}

func New(conf Config, mapper dma.Mapper) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	arena, err := mmapArena(conf.Granules * conf.GranuleSize)
	if err != nil {
		return nil, fmt.Errorf("mmap arena: %w", err)
	}

	p := &Pool{
		conf:   conf,
		mapper: mapper,
		arena:  arena,
		pages:  make([]Page, conf.Granules),
		free:   make([]int, conf.Granules),
		splits: Splits(conf.GranuleSize, conf.SplitSize, conf.FrameLen),
	}
	for i := range p.pages {
		off := i * conf.GranuleSize
		p.pages[i] = Page{
			pool: p,
			idx:  i,
			mem:  arena[off : off+conf.GranuleSize : off+conf.GranuleSize],
			node: conf.Node,
		}
		// Pop from the tail hands out low granules first.
		p.free[i] = conf.Granules - 1 - i
	}
	return p, nil
}

// Splits returns how many frameLen-sized, splitSize-aligned slices fit in one
// granule (at least 1).
func Splits(granuleSize, splitSize, frameLen int) int {
	aligned := Align(frameLen, splitSize)
	if aligned == 0 || aligned >= granuleSize {
		return 1
	}
	return granuleSize / aligned
}

// Align rounds n up to a multiple of the power of two a.
func Align(n, a int) int { return (n + a - 1) &^ (a - 1) }

func (p *Pool) GranuleSize() int { return p.conf.GranuleSize }

func (p *Pool) SplitSize() int { return p.conf.SplitSize }

func (p *Pool) Splits() int { return p.splits }

// Free returns the number of granules not referenced by anyone.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Allocs:    p.allocs.Load(),
		AllocErrs: p.allocErrs.Load(),
		MapErrs:   p.mapErrs.Load(),
		UnmapErrs: p.unmapErrs.Load(),
		Recycled:  p.recycled.Load(),
		Refused:   p.refused.Load(),
		Free:      p.Free(),
	}
}

// Allocate takes a granule, maps it for device writes and returns a fragment
// at offset 0 with the reference bias for the remaining slices charged.
// Both ErrNoMemory and dma.ErrMappingFailed are transient.
func (p *Pool) Allocate() (Fragment, error) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.allocErrs.Add(1)
		return Fragment{}, ErrNoMemory
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	pressure := n-1 < p.conf.LowWater
	p.mu.Unlock()

	pg := &p.pages[idx]
	pg.pressure = pressure
	pg.node = p.conf.Node

	addr, err := p.mapper.MapPage(pg.mem, dma.FromDevice)
	if err != nil {
		p.mapErrs.Add(1)
		p.pushFree(pg)
		return Fragment{}, err
	}

	bias := p.splits - 1
	pg.refs.Store(int32(1 + bias))
	p.allocs.Add(1)
	return Fragment{Page: pg, Addr: addr, Bias: bias}, nil
}

// Recycle advances f past used bytes, rounded up to the split size, so the
// rest of the granule can be posted again without a new mapping. On success
// one page reference is handed to the caller (taken from the bias when
// available). Recycling is refused for pages allocated under pressure, pages
// from a foreign NUMA node and when the granule is used up.
func (p *Pool) Recycle(f *Fragment, used int) bool {
	if f.Empty() {
		return false
	}
	pg := f.Page
	if pg.pressure || pg.node != p.conf.LocalNode() {
		p.refused.Add(1)
		return false
	}
	next := f.Offset + Align(used, p.conf.SplitSize)
	if next >= p.conf.GranuleSize {
		p.refused.Add(1)
		return false
	}

	f.Offset = next
	if f.Bias > 0 {
		f.Bias--
	} else {
		pg.Get()
	}
	p.recycled.Add(1)
	return true
}

// Detach unmaps f and empties it without dropping the slot's own page
// reference, which passes to whoever holds the page's data now. Any unused
// bias is returned to the page.
func (p *Pool) Detach(f *Fragment) {
	if f.Empty() {
		return
	}
	p.unmap(f)
	if f.Bias > 0 {
		f.Page.sub(int32(f.Bias))
	}
	f.reset()
}

// Release unmaps f, drops its references and leaves it empty.
// Releasing an empty fragment is a no-op.
func (p *Pool) Release(f *Fragment) {
	if f.Empty() {
		return
	}
	p.unmap(f)
	f.Page.sub(int32(f.Bias) + 1)
	f.reset()
}

func (p *Pool) SyncForCPU(f *Fragment, n int) {
	p.mapper.SyncForCPU(f.DMAAddr(), n, dma.FromDevice)
}

func (p *Pool) SyncForDevice(f *Fragment, n int) {
	p.mapper.SyncForDevice(f.DMAAddr(), n, dma.FromDevice)
}

// Close unmaps the arena. All pages must have been returned.
func (p *Pool) Close() error {
	if p.arena == nil {
		return nil
	}
	if free := p.Free(); free != len(p.pages) {
		return fmt.Errorf("%w: %d of %d", ErrPagesInUse, len(p.pages)-free, len(p.pages))
	}
	err := munmapArena(p.arena)
	p.arena = nil
	return err
}

func (p *Pool) unmap(f *Fragment) {
	if err := p.mapper.UnmapPage(f.Addr, p.conf.GranuleSize, dma.FromDevice); err != nil {
		p.unmapErrs.Add(1)
	}
}

func (p *Pool) reclaim(pg *Page) {
	pg.pressure = false
	p.pushFree(pg)
}

func (p *Pool) pushFree(pg *Page) {
	p.mu.Lock()
	p.free = append(p.free, pg.idx)
	p.mu.Unlock()
}
