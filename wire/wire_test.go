package wire

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestTxCmd(t *testing.T) {
	cmd := EncodeTxCmd(TxOpTSO, TxFlagTSOSOT|TxFlagVLAN, 5, 0xabcdef0123)
	assert.Equal(t, uint64(0xabcdef0123)<<12|5<<8|3<<4|0x5, cmd)

	op, flags, nsge, addr := DecodeTxCmd(cmd)
	assert.Equal(t, TxOpTSO, op)
	assert.Equal(t, TxFlagTSOSOT|TxFlagVLAN, flags)
	assert.Equal(t, uint8(5), nsge)
	assert.Equal(t, uint64(0xabcdef0123), addr)
}

func TestTxCmd_AddrTruncated(t *testing.T) {
	cmd := EncodeTxCmd(TxOpCsumNone, 0, 0, 1<<52|0x10)
	_, _, _, addr := DecodeTxCmd(cmd)
	assert.Equal(t, uint64(0x10), addr)
}

func TestTxDesc_MemoryLayout(t *testing.T) {
	mem := make([]byte, DescSize)
	d := TxDesc{
		Opcode:  TxOpCsumPartial,
		Flags:   TxFlagVLAN,
		NumSG:   2,
		Addr:    0x1_0000_2000,
		Len:     0x0102,
		VlanTCI: 0x0304,
	}
	d.CsumStart, d.CsumOffset = 0x0506, 0x0708
	d.Put(mem)

	assert.Equal(t, []byte{
		0x11, 0x02, 0x00, 0x02, 0x00, 0x10, 0x00, 0x00,
		0x02, 0x01,
		0x04, 0x03,
		0x06, 0x05,
		0x08, 0x07,
	}, mem)
	assert.Equal(t, d, GetTxDesc(mem))
}

func TestTxDesc_TSOFields(t *testing.T) {
	var d TxDesc
	d.SetTSO(54, 1448)
	hdr, mss := d.TSO()
	assert.Equal(t, uint16(54), hdr)
	assert.Equal(t, uint16(1448), mss)
	assert.Equal(t, uint16(54), d.CsumStart)
}

func TestSGElem_MemoryLayout(t *testing.T) {
	mem := []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
	SGElem{Addr: 0x0807060504030201, Len: 0x0a09}.Put(mem)
	assert.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}, mem)
	assert.Equal(t, SGElem{Addr: 0x0807060504030201, Len: 0x0a09}, GetSGElem(mem))
}

func TestRxDesc_MemoryLayout(t *testing.T) {
	mem := make([]byte, DescSize)
	d := RxDesc{Opcode: RxOpSG, Len: 0x0400, Addr: 0x1_0000_3000}
	d.Put(mem)
	assert.Equal(t, []byte{
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x04,
		0x00, 0x30, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00,
	}, mem)
	assert.Equal(t, d, GetRxDesc(mem))
}

func TestRxComp_MemoryLayout(t *testing.T) {
	c := RxComp{
		Status:    0,
		NumSG:     1,
		CompIndex: 0x0203,
		RSSHash:   0x04050607,
		Csum:      0x0809,
		VlanTCI:   0x0a0b,
		Len:       0x0c0d,
		CsumFlags: RxCsumCalc | RxCsumTCPOK | RxCsumIPOK,
		PktType:   PktTypeIPv4TCP,
		Color:     true,
	}
	raw := c.Encode()
	assert.Equal(t, Comp{
		0x00, 0x01, 0x03, 0x02,
		0x07, 0x06, 0x05, 0x04,
		0x09, 0x08,
		0x0b, 0x0a,
		0x0d, 0x0c,
		0x91,
		0x83,
	}, raw)
	assert.True(t, raw.Color())
	assert.Equal(t, c, DecodeRxComp(&raw))
}

func TestTxComp_MemoryLayout(t *testing.T) {
	c := TxComp{Status: 3, CompIndex: 0x1234}
	raw := c.Encode()
	assert.Equal(t, Comp{3, 0, 0x34, 0x12}, raw)
	assert.False(t, raw.Color())

	c.Color = true
	raw = c.Encode()
	assert.Equal(t, byte(0x80), raw[15])
	assert.Equal(t, c, DecodeTxComp(&raw))
}

func TestPublishLoadComp(t *testing.T) {
	// Completion memory must be 4-byte aligned; a []uint64 backing ensures it.
	words := make([]uint64, 2*CompSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 2*CompSize)

	entry := mem[CompSize:]
	assert.False(t, LoadColor(entry))

	rc := RxComp{CompIndex: 7, Len: 60, PktType: PktTypeIPv6UDP, Color: true}
	raw := rc.Encode()
	PublishComp(entry, &raw)

	assert.True(t, LoadColor(entry))
	got := LoadComp(entry)
	assert.Equal(t, raw, got)
	assert.Equal(t, rc, DecodeRxComp(&got))
	assert.Equal(t, make([]byte, CompSize), mem[:CompSize])
}
