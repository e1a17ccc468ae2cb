// Package wire defines the hardware descriptor and completion formats shared
// by the driver and the device. All records are 16 bytes and little-endian
// regardless of host byte order.
package wire

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const (
	DescSize   = 16
	SGElemSize = 16
	CompSize   = 16

	TxMaxSG = 8
	RxMaxSG = 8

	// ColorMask selects the done-color bit in the last byte of a completion.
	ColorMask = 0x80

	// StatusOK is the only completion status that carries a good frame.
	StatusOK = 0

	// tailOff is the offset of the 32-bit word the device publishes last.
	tailOff = CompSize - 4
)

var le = binary.LittleEndian

// SGElem is a scatter-gather element. TX and RX use the same layout.
//
//	0: addr u64 | 8: len u16 | 10: reserved
type SGElem struct {
	Addr uint64
	Len  uint16
}

func (e SGElem) Put(b []byte) {
	_ = b[SGElemSize-1]
	le.PutUint64(b[0:], e.Addr)
	le.PutUint16(b[8:], e.Len)
	clear(b[10:SGElemSize])
}

func GetSGElem(b []byte) SGElem {
	_ = b[SGElemSize-1]
	return SGElem{Addr: le.Uint64(b[0:]), Len: le.Uint16(b[8:])}
}

// Comp is a raw completion entry.
type Comp [CompSize]byte

// Color reports the done-color bit of c.
func (c *Comp) Color() bool { return c[CompSize-1]&ColorMask != 0 }

func tailWord(entry []byte) *uint32 {
	_ = entry[CompSize-1]
	return (*uint32)(unsafe.Pointer(&entry[tailOff]))
}

// LoadComp reads the completion entry at the start of b. The trailing word,
// which holds the color, is loaded atomically first so that a matching color
// guarantees the rest of the entry is visible. b must be 4-byte aligned.
func LoadComp(b []byte) (c Comp) {
	w := atomic.LoadUint32(tailWord(b))
	binary.NativeEndian.PutUint32(c[tailOff:], w)
	copy(c[:tailOff], b[:tailOff])
	return c
}

// LoadColor reads only the color bit of the entry at the start of b.
func LoadColor(b []byte) bool {
	var tail [4]byte
	binary.NativeEndian.PutUint32(tail[:], atomic.LoadUint32(tailWord(b)))
	return tail[3]&ColorMask != 0
}

// PublishComp writes c into b the way the device does: body first, then the
// color-bearing trailing word with a single atomic store.
func PublishComp(b []byte, c *Comp) {
	copy(b[:tailOff], c[:tailOff])
	atomic.StoreUint32(tailWord(b), binary.NativeEndian.Uint32(c[tailOff:]))
}

func setColor(b *byte, color bool) {
	if color {
		*b |= ColorMask
	} else {
		*b &^= ColorMask
	}
}
