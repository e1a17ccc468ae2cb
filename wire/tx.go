package wire

import "fmt"

type TxOpcode uint8

const (
	TxOpCsumNone    TxOpcode = 0
	TxOpCsumPartial TxOpcode = 1
	TxOpCsumHW      TxOpcode = 2
	TxOpTSO         TxOpcode = 3
)

func (o TxOpcode) String() string {
	switch o {
	case TxOpCsumNone:
		return "csum_none"
	case TxOpCsumPartial:
		return "csum_partial"
	case TxOpCsumHW:
		return "csum_hw"
	case TxOpTSO:
		return "tso"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

type TxFlags uint8

const (
	TxFlagVLAN   TxFlags = 1 << 0
	TxFlagEncap  TxFlags = 1 << 1
	TxFlagTSOSOT TxFlags = 1 << 2
	TxFlagTSOEOT TxFlags = 1 << 3

	// With TxOpCsumHW the upper flags select which checksums to compute.
	TxFlagCsumL3 = TxFlagTSOSOT
	TxFlagCsumL4 = TxFlagTSOEOT
)

const (
	txFlagsShift  = 0
	txOpcodeShift = 4
	txNSGEShift   = 8
	txAddrShift   = 12

	txNibble = 0xf

	// TxAddrMask bounds the addresses a TX descriptor can carry.
	TxAddrMask = 1<<52 - 1
)

// EncodeTxCmd packs the command word of a TX descriptor.
//
//	bits 0-3 flags | 4-7 opcode | 8-11 nsge | 12-63 addr
func EncodeTxCmd(op TxOpcode, flags TxFlags, nsge uint8, addr uint64) uint64 {
	return uint64(flags&txNibble)<<txFlagsShift |
		uint64(op&txNibble)<<txOpcodeShift |
		uint64(nsge&txNibble)<<txNSGEShift |
		(addr&TxAddrMask)<<txAddrShift
}

func DecodeTxCmd(cmd uint64) (op TxOpcode, flags TxFlags, nsge uint8, addr uint64) {
	flags = TxFlags(cmd >> txFlagsShift & txNibble)
	op = TxOpcode(cmd >> txOpcodeShift & txNibble)
	nsge = uint8(cmd >> txNSGEShift & txNibble)
	addr = cmd >> txAddrShift & TxAddrMask
	return op, flags, nsge, addr
}

// TxDesc is a transmit descriptor.
//
//	0: cmd u64 | 8: len u16 | 10: vlan_tci u16
//	12: csum_start/hdr_len u16 | 14: csum_offset/mss u16
//
// For TSO descriptors CsumStart carries the header length and CsumOffset the
// segment size; see SetTSO.
type TxDesc struct {
	Opcode     TxOpcode
	Flags      TxFlags
	NumSG      uint8
	Addr       uint64
	Len        uint16
	VlanTCI    uint16
	CsumStart  uint16
	CsumOffset uint16
}

func (d *TxDesc) SetTSO(hdrLen, mss uint16) {
	d.CsumStart, d.CsumOffset = hdrLen, mss
}

func (d *TxDesc) TSO() (hdrLen, mss uint16) { return d.CsumStart, d.CsumOffset }

func (d *TxDesc) Put(b []byte) {
	_ = b[DescSize-1]
	le.PutUint64(b[0:], EncodeTxCmd(d.Opcode, d.Flags, d.NumSG, d.Addr))
	le.PutUint16(b[8:], d.Len)
	le.PutUint16(b[10:], d.VlanTCI)
	le.PutUint16(b[12:], d.CsumStart)
	le.PutUint16(b[14:], d.CsumOffset)
}

func GetTxDesc(b []byte) (d TxDesc) {
	_ = b[DescSize-1]
	d.Opcode, d.Flags, d.NumSG, d.Addr = DecodeTxCmd(le.Uint64(b[0:]))
	d.Len = le.Uint16(b[8:])
	d.VlanTCI = le.Uint16(b[10:])
	d.CsumStart = le.Uint16(b[12:])
	d.CsumOffset = le.Uint16(b[14:])
	return d
}

// TxComp is a transmit completion.
//
//	0: status u8 | 2: comp_index u16 | 15: color (bit 7)
type TxComp struct {
	Status    uint8
	CompIndex uint16
	Color     bool
}

func (c *TxComp) Encode() (raw Comp) {
	raw[0] = c.Status
	le.PutUint16(raw[2:], c.CompIndex)
	setColor(&raw[15], c.Color)
	return raw
}

func DecodeTxComp(raw *Comp) TxComp {
	return TxComp{
		Status:    raw[0],
		CompIndex: le.Uint16(raw[2:]),
		Color:     raw.Color(),
	}
}
