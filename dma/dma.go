// Package dma models the device-visible address space that packet memory and
// descriptor rings are mapped into.
//
// The data plane never hands host pointers to the device. Every region the
// device may touch is first mapped and identified by an [Addr]; the device
// side resolves addresses back into memory through the same [Space]. A
// mapping made with MapSingle must be torn down with UnmapSingle, one made
// with MapPage with UnmapPage.
package dma

import "errors"

// Addr is a device (bus) address. The zero value is never a valid mapping.
type Addr uint64

// Direction describes which side writes the mapped memory.
type Direction uint8

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return "unknown"
}

var (
	ErrMappingFailed = errors.New("dma mapping failed")
	ErrUnknownAddr   = errors.New("address is not mapped")
	ErrNotRegionHead = errors.New("address is not the start of a mapping")
	ErrKindMismatch  = errors.New("unmap kind does not match map kind")
	ErrOutOfRange    = errors.New("access exceeds mapped region")
	ErrSpaceFull     = errors.New("device address space exhausted")
)

// Mapper is the streaming mapping primitive used on the data path.
type Mapper interface {
	// MapSingle maps a linear buffer (packet head) for the device.
	MapSingle(buf []byte, dir Direction) (Addr, error)
	UnmapSingle(addr Addr, size int, dir Direction) error
	// MapPage maps a page or a slice of one (packet fragments, rx pages).
	MapPage(buf []byte, dir Direction) (Addr, error)
	UnmapPage(addr Addr, size int, dir Direction) error

	SyncForCPU(addr Addr, size int, dir Direction)
	SyncForDevice(addr Addr, size int, dir Direction)
}

// Device is a [Mapper] that can also provide coherent memory for rings.
type Device interface {
	Mapper
	AllocCoherent(size int) ([]byte, Addr, error)
	FreeCoherent(mem []byte, addr Addr) error
}
