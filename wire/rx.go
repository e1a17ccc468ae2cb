package wire

import "fmt"

type RxOpcode uint8

const (
	RxOpSimple RxOpcode = 0
	RxOpSG     RxOpcode = 1
)

// RxDesc is a receive descriptor. With RxOpSG the remaining buffers are
// described by the slot's SG elements.
//
//	0: opcode u8 | 6: len u16 | 8: addr u64
type RxDesc struct {
	Opcode RxOpcode
	Len    uint16
	Addr   uint64
}

func (d *RxDesc) Put(b []byte) {
	_ = b[DescSize-1]
	b[0] = uint8(d.Opcode)
	clear(b[1:6])
	le.PutUint16(b[6:], d.Len)
	le.PutUint64(b[8:], d.Addr)
}

func GetRxDesc(b []byte) RxDesc {
	_ = b[DescSize-1]
	return RxDesc{
		Opcode: RxOpcode(b[0]),
		Len:    le.Uint16(b[6:]),
		Addr:   le.Uint64(b[8:]),
	}
}

type RxCsumFlags uint8

const (
	RxCsumTCPOK  RxCsumFlags = 0x01
	RxCsumTCPBad RxCsumFlags = 0x02
	RxCsumUDPOK  RxCsumFlags = 0x04
	RxCsumUDPBad RxCsumFlags = 0x08
	RxCsumIPOK   RxCsumFlags = 0x10
	RxCsumIPBad  RxCsumFlags = 0x20
	RxCsumVLAN   RxCsumFlags = 0x40
	RxCsumCalc   RxCsumFlags = 0x80

	RxCsumAnyBad = RxCsumTCPBad | RxCsumUDPBad | RxCsumIPBad
)

type PktType uint8

const (
	PktTypeNonIP   PktType = 0x00
	PktTypeIPv4    PktType = 0x01
	PktTypeIPv4TCP PktType = 0x03
	PktTypeIPv4UDP PktType = 0x05
	PktTypeIPv6    PktType = 0x08
	PktTypeIPv6TCP PktType = 0x18
	PktTypeIPv6UDP PktType = 0x28

	pktTypeMask = 0x7f
)

func (t PktType) String() string {
	switch t {
	case PktTypeNonIP:
		return "non-ip"
	case PktTypeIPv4:
		return "ipv4"
	case PktTypeIPv4TCP:
		return "ipv4-tcp"
	case PktTypeIPv4UDP:
		return "ipv4-udp"
	case PktTypeIPv6:
		return "ipv6"
	case PktTypeIPv6TCP:
		return "ipv6-tcp"
	case PktTypeIPv6UDP:
		return "ipv6-udp"
	}
	return fmt.Sprintf("pkt_type(%#x)", uint8(t))
}

// RxComp is a receive completion.
//
//	0: status u8 | 1: num_sg_elems u8 | 2: comp_index u16 | 4: rss_hash u32
//	8: csum u16 | 10: vlan_tci u16 | 12: len u16 | 14: csum_flags u8
//	15: pkt_type (bits 0-6) + color (bit 7)
type RxComp struct {
	Status    uint8
	NumSG     uint8
	CompIndex uint16
	RSSHash   uint32
	Csum      uint16
	VlanTCI   uint16
	Len       uint16
	CsumFlags RxCsumFlags
	PktType   PktType
	Color     bool
}

func (c *RxComp) Encode() (raw Comp) {
	raw[0] = c.Status
	raw[1] = c.NumSG
	le.PutUint16(raw[2:], c.CompIndex)
	le.PutUint32(raw[4:], c.RSSHash)
	le.PutUint16(raw[8:], c.Csum)
	le.PutUint16(raw[10:], c.VlanTCI)
	le.PutUint16(raw[12:], c.Len)
	raw[14] = uint8(c.CsumFlags)
	raw[15] = uint8(c.PktType) & pktTypeMask
	setColor(&raw[15], c.Color)
	return raw
}

func DecodeRxComp(raw *Comp) RxComp {
	return RxComp{
		Status:    raw[0],
		NumSG:     raw[1],
		CompIndex: le.Uint16(raw[2:]),
		RSSHash:   le.Uint32(raw[4:]),
		Csum:      le.Uint16(raw[8:]),
		VlanTCI:   le.Uint16(raw[10:]),
		Len:       le.Uint16(raw[12:]),
		CsumFlags: RxCsumFlags(raw[14]),
		PktType:   PktType(raw[15] & pktTypeMask),
		Color:     raw.Color(),
	}
}
