package afxdp

import "sync/atomic"

// xdpDesc mirrors struct xdp_desc from linux/if_xdp.h.
type xdpDesc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// ring tracks the producer and consumer words a ring shares with the
// kernel. The cached copies keep atomic traffic off the fast path: a side
// only reloads the other side's word when its cached view runs out.
type ring struct {
	prod *uint32
	cons *uint32

	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
}

func newRing(prod, cons *uint32, size uint32, producer bool) ring {
	r := ring{
		prod: prod,
		cons: cons,
		mask: size - 1,
		size: size,
	}
	r.cachedProd = atomic.LoadUint32(prod)
	r.cachedCons = atomic.LoadUint32(cons)
	if producer {
		// The producer sees the consumer one lap ahead so that
		// cachedCons-cachedProd is the free space.
		r.cachedCons += size
	}
	return r
}

// available returns how many entries, at most max, the consumer may read
// starting at cachedCons.
func (r *ring) available(max uint32) uint32 {
	n := r.cachedProd - r.cachedCons
	if n == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		n = r.cachedProd - r.cachedCons
	}
	return min(n, max)
}

// consume hands n entries back to the producer.
func (r *ring) consume(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// free returns the space the producer may fill, reloading the consumer
// word when fewer than want entries are known to be free.
func (r *ring) free(want uint32) uint32 {
	n := r.cachedCons - r.cachedProd
	if n < want {
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		n = r.cachedCons - r.cachedProd
	}
	return n
}

// reserve claims n entries for the producer and returns the index of the
// first. The entries become visible to the kernel on submit.
func (r *ring) reserve(n uint32) (uint32, bool) {
	if r.free(n) < n {
		return 0, false
	}
	idx := r.cachedProd
	r.cachedProd += n
	return idx, true
}

// pending reports reserved entries not yet submitted.
func (r *ring) pending() bool { return atomic.LoadUint32(r.prod) != r.cachedProd }

func (r *ring) submit() { atomic.StoreUint32(r.prod, r.cachedProd) }

type descRing struct {
	ring
	descs []xdpDesc
}

func (r *descRing) at(idx uint32) *xdpDesc { return &r.descs[idx&r.mask] }

type addrRing struct {
	ring
	addrs []uint64
}

func (r *addrRing) at(idx uint32) *uint64 { return &r.addrs[idx&r.mask] }
