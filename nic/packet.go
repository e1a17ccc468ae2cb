package nic

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/ionic-go/bufpool"
)

var (
	ErrNotTCP       = errors.New("transport is not tcp")
	ErrBadHeaders   = errors.New("malformed packet headers")
	ErrHeadTooShort = errors.New("linear head does not cover the headers")
)

// udpChecksumOffset is the offset of the checksum field in a UDP header.
const udpChecksumOffset = 6

// Frag is a piece of non-linear packet data. Page is set when the bytes live
// in a pool granule; the frag then holds one reference on it.
type Frag struct {
	Page *bufpool.Page
	Data []byte
}

// HashType is the coarse class of a receive hash.
type HashType uint8

const (
	HashNone HashType = iota
	HashL3
	HashL4
)

func (h HashType) String() string {
	switch h {
	case HashNone:
		return "none"
	case HashL3:
		return "l3"
	case HashL4:
		return "l4"
	}
	return fmt.Sprintf("hash(%d)", uint8(h))
}

// CsumStatus is the receive checksum verdict handed upstream.
type CsumStatus uint8

const (
	CsumNone CsumStatus = iota
	// CsumComplete means Csum holds the ones' complement sum of the frame
	// as computed by the device.
	CsumComplete
)

// Packet is the unit exchanged with the upstream stack.
//
// For transmit, Head holds at least all headers and Frags the remaining
// payload. Offsets are relative to the start of Head.
type Packet struct {
	Head  []byte
	Frags []Frag

	// NetworkOffset and TransportOffset locate the L3 and L4 headers.
	NetworkOffset   int
	TransportOffset int

	// CsumPartial requests checksum offload: the device sums from
	// CsumStart to the end and stores the result at CsumStart+CsumOffset.
	CsumPartial bool
	CsumStart   uint16
	CsumOffset  uint16

	// GSOSize is the TCP segment size. A non-zero value requests TSO.
	GSOSize uint16

	// Encap marks a tunnelled packet whose inner headers are at the
	// Inner offsets. OuterCsum asks the device to fix the outer checksum.
	Encap                bool
	OuterCsum            bool
	InnerNetworkOffset   int
	InnerTransportOffset int

	HasVLAN bool
	VLANTCI uint16

	// Receive metadata.
	Queue      int
	Hash       uint32
	HashType   HashType
	CsumStatus CsumStatus
	Csum       uint16

	// OnFree is called once when the packet is released.
	OnFree func(*Packet)
	freed  bool
}

// Len is the total packet length.
func (p *Packet) Len() int {
	n := len(p.Head)
	for _, f := range p.Frags {
		n += len(f.Data)
	}
	return n
}

// HeadLen is the length of the linear part.
func (p *Packet) HeadLen() int { return len(p.Head) }

func (p *Packet) IsGSO() bool { return p.GSOSize > 0 }

// Bytes returns the packet contents as one slice, copying only when the
// packet has fragments.
func (p *Packet) Bytes() []byte {
	if len(p.Frags) == 0 {
		return p.Head
	}
	b := make([]byte, 0, p.Len())
	b = append(b, p.Head...)
	for _, f := range p.Frags {
		b = append(b, f.Data...)
	}
	return b
}

// Linearize copies all fragments into Head and drops the fragment
// references.
func (p *Packet) Linearize() {
	if len(p.Frags) == 0 {
		return
	}
	p.Head = p.Bytes()
	p.putFrags()
}

// dropEmptyFrags removes zero-length fragments, releasing their pages.
func (p *Packet) dropEmptyFrags() {
	kept := p.Frags[:0]
	for _, f := range p.Frags {
		if len(f.Data) > 0 {
			kept = append(kept, f)
		} else if f.Page != nil {
			f.Page.Put()
		}
	}
	clear(p.Frags[len(kept):])
	p.Frags = kept
}

// Free releases the fragment references and runs OnFree. Calling Free more
// than once is a no-op.
func (p *Packet) Free() {
	if p == nil || p.freed {
		return
	}
	p.freed = true
	p.putFrags()
	if p.OnFree != nil {
		p.OnFree(p)
	}
}

func (p *Packet) putFrags() {
	for i := range p.Frags {
		if pg := p.Frags[i].Page; pg != nil {
			pg.Put()
		}
		p.Frags[i] = Frag{}
	}
	p.Frags = p.Frags[:0]
}

// tcpHeaderLen returns the offset of the TCP payload for a packet whose TCP
// header starts at transportOffset.
func (p *Packet) tcpHeaderLen(transportOffset int) (int, error) {
	if transportOffset+header.TCPMinimumSize > len(p.Head) {
		return 0, ErrHeadTooShort
	}
	tcp := header.TCP(p.Head[transportOffset:])
	hl := transportOffset + int(tcp.DataOffset())
	if hl > len(p.Head) {
		return 0, ErrHeadTooShort
	}
	return hl, nil
}

// seedPseudoCsum preloads the TCP checksum with the pseudo-header sum over a
// zero length, clearing the IPv4 header checksum. The device adds each
// segment's length and recomputes the IP checksum.
func (p *Packet) seedPseudoCsum(networkOffset, transportOffset int) error {
	if transportOffset+header.TCPMinimumSize > len(p.Head) || networkOffset >= transportOffset {
		return ErrHeadTooShort
	}
	l3 := p.Head[networkOffset:transportOffset]
	var src, dst tcpip.Address
	switch header.IPVersion(l3) {
	case header.IPv4Version:
		if len(l3) < header.IPv4MinimumSize {
			return ErrBadHeaders
		}
		ip := header.IPv4(l3)
		if ip.TransportProtocol() != header.TCPProtocolNumber {
			return ErrNotTCP
		}
		ip.SetChecksum(0)
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	case header.IPv6Version:
		if len(l3) < header.IPv6MinimumSize {
			return ErrBadHeaders
		}
		ip := header.IPv6(l3)
		if ip.TransportProtocol() != header.TCPProtocolNumber {
			return ErrNotTCP
		}
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	default:
		return ErrBadHeaders
	}
	tcp := header.TCP(p.Head[transportOffset:])
	tcp.SetChecksum(header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, 0))
	return nil
}

// PreparePartialCsum sets up checksum offload for a TCP or UDP packet the way
// a stack hands it to the driver: the checksum field holds the folded
// pseudo-header sum including the transport length.
func (p *Packet) PreparePartialCsum() error {
	if p.TransportOffset <= p.NetworkOffset || p.TransportOffset > len(p.Head) {
		return ErrBadHeaders
	}
	l3 := p.Head[p.NetworkOffset:p.TransportOffset]
	l4Len := p.Len() - p.TransportOffset

	var (
		proto    tcpip.TransportProtocolNumber
		src, dst tcpip.Address
	)
	switch header.IPVersion(l3) {
	case header.IPv4Version:
		if len(l3) < header.IPv4MinimumSize {
			return ErrBadHeaders
		}
		ip := header.IPv4(l3)
		proto, src, dst = ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress()
	case header.IPv6Version:
		if len(l3) < header.IPv6MinimumSize {
			return ErrBadHeaders
		}
		ip := header.IPv6(l3)
		proto, src, dst = ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress()
	default:
		return ErrBadHeaders
	}

	var off uint16
	switch proto {
	case header.TCPProtocolNumber:
		off = header.TCPChecksumOffset
	case header.UDPProtocolNumber:
		off = udpChecksumOffset
	default:
		return fmt.Errorf("%w: protocol %d", ErrBadHeaders, proto)
	}
	if p.TransportOffset+int(off)+2 > len(p.Head) {
		return ErrHeadTooShort
	}
	sum := header.PseudoHeaderChecksum(proto, src, dst, uint16(l4Len))
	p.Head[p.TransportOffset+int(off)] = byte(sum >> 8)
	p.Head[p.TransportOffset+int(off)+1] = byte(sum)

	p.CsumPartial = true
	p.CsumStart = uint16(p.TransportOffset)
	p.CsumOffset = off
	return nil
}
