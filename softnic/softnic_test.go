package softnic

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/wire"
)

func TestToeplitz(t *testing.T) {
	tuple := func(src, dst string, sport, dport uint16) []byte {
		b := append([]byte(nil), net.ParseIP(src).To4()...)
		b = append(b, net.ParseIP(dst).To4()...)
		if sport != 0 || dport != 0 {
			b = binary.BigEndian.AppendUint16(b, sport)
			b = binary.BigEndian.AppendUint16(b, dport)
		}
		return b
	}
	for _, tt := range []struct {
		in   []byte
		want uint32
	}{
		{tuple("66.9.149.187", "161.142.100.80", 2794, 1766), 0x51ccc178},
		{tuple("66.9.149.187", "161.142.100.80", 0, 0), 0x323e8fc2},
		{tuple("199.92.111.2", "65.69.140.83", 14230, 4739), 0xc626b0ea},
		{tuple("199.92.111.2", "65.69.140.83", 0, 0), 0xd718262a},
	} {
		assert.Equal(t, tt.want, Toeplitz(DefaultRSSKey, tt.in), "%x", tt.in)
	}
	assert.Zero(t, Toeplitz(DefaultRSSKey, nil))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoMemory)

	_, err = New(Config{Mem: dma.NewSpace(), RSSKey: make([]byte, 8)})
	assert.Error(t, err)
}

// tcpFrame builds an IPv4 TCP frame with valid checksums.
func tcpFrame(t *testing.T, payload int, fin bool) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Id: 9, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 1, 0, 1).To4(), DstIP: net.IPv4(10, 1, 0, 2).To4(),
	}
	tcp := &layers.TCP{SrcPort: 1, DstPort: 2, Seq: 500, ACK: true, PSH: true, FIN: fin, Window: 100}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	data := make([]byte, payload)
	for i := range data {
		data[i] = byte(i)
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, tcp, gopacket.Payload(data)))
	return buf.Bytes()
}

func validChecksums(t *testing.T, frame []byte) {
	t.Helper()
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	assert.Equal(t, uint16(0xffff), checksum.Checksum(ip[:ip.HeaderLength()], 0), "ip header checksum")
	l4 := ip.Payload()
	pseudo := header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	assert.Equal(t, uint16(0xffff), checksum.Checksum(l4, pseudo), "l4 checksum")
}

func TestSegment(t *testing.T) {
	frame := tcpFrame(t, 250, true)
	ip := header.IPv4(frame[14:])
	tcp := header.TCP(frame[34:])
	tcp.SetChecksum(header.PseudoHeaderChecksum(header.TCPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), 0))

	segs, err := segment(frame, 54, 100)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	for i, seg := range segs {
		validChecksums(t, seg)
		ip := header.IPv4(seg[14:])
		tcp := header.TCP(seg[34:])
		assert.Equal(t, uint16(9+i), ip.ID())
		assert.Equal(t, uint32(500+100*i), tcp.SequenceNumber())
		last := i == len(segs)-1
		assert.Equal(t, last, tcp.Flags().Contains(header.TCPFlagFin))
		assert.Equal(t, last, tcp.Flags().Contains(header.TCPFlagPsh))
		assert.True(t, tcp.Flags().Contains(header.TCPFlagAck))
	}
	assert.Len(t, segs[2], 54+50)
	assert.Equal(t, frame[54+200:], segs[2][54:])
}

func TestSegmentRejects(t *testing.T) {
	frame := tcpFrame(t, 100, false)
	_, err := segment(frame, 54, 0)
	assert.ErrorIs(t, err, ErrBadOffload)
	_, err = segment(frame, 40, 10)
	assert.ErrorIs(t, err, ErrUnsupportedFrame, "header length cuts into tcp")

	arp := make([]byte, 60)
	binary.BigEndian.PutUint16(arp[12:], 0x0806)
	_, err = segment(arp, 54, 10)
	assert.ErrorIs(t, err, ErrUnsupportedFrame)
}

func TestFullCsum(t *testing.T) {
	frame := tcpFrame(t, 77, false)
	want := append([]byte(nil), frame...)
	binary.BigEndian.PutUint16(frame[14+10:], 0x1234)
	binary.BigEndian.PutUint16(frame[34+16:], 0x4321)

	require.NoError(t, fullCsum(frame, wire.TxFlagCsumL3|wire.TxFlagCsumL4))
	assert.Equal(t, want, frame)
}

func TestInsertCsumBounds(t *testing.T) {
	assert.ErrorIs(t, insertCsum(make([]byte, 20), 20, 0), ErrBadOffload)
	assert.ErrorIs(t, insertCsum(make([]byte, 20), 10, 9), ErrBadOffload)
}

func TestInsertVLAN(t *testing.T) {
	frame := tcpFrame(t, 10, false)
	got := insertVLAN(frame, 0xe00a)
	assert.Len(t, got, len(frame)+4)
	assert.Equal(t, frame[:12], got[:12])
	assert.Equal(t, []byte{0x81, 0x00, 0xe0, 0x0a}, got[12:16])
	assert.Equal(t, frame[12:], got[16:])
}

// rig drives one queue of a NIC by hand.
type rig struct {
	t      *testing.T
	mem    *dma.Space
	nic    *NIC
	wire   *Capture
	info   nic.QueueInfo
	desc   []byte
	sg     []byte
	cq     []byte
	irqs   int
	events int
}

func newRig(t *testing.T, typ nic.QueueType, n int) *rig {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := &rig{t: t, mem: dma.NewSpace(), wire: &Capture{}}
	var err error
	r.nic, err = New(Config{
		Mem:       r.mem,
		Wire:      r.wire,
		Interrupt: func(int) { r.irqs++ },
		Event:     func(nic.QueueType, uint32) { r.events++ },
		Logger:    logger,
	})
	require.NoError(t, err)

	stride := wire.RxMaxSG * wire.SGElemSize
	r.info = nic.QueueInfo{Type: typ, NumDescs: n, NumComps: n, SGStride: stride}
	r.desc, r.info.DescBase, err = r.mem.AllocCoherent(n * wire.DescSize)
	require.NoError(t, err)
	r.sg, r.info.SGBase, err = r.mem.AllocCoherent(n * stride)
	require.NoError(t, err)
	r.cq, r.info.CQBase, err = r.mem.AllocCoherent(n * wire.CompSize)
	require.NoError(t, err)
	require.NoError(t, r.nic.InitQueue(r.info))
	return r
}

func (r *rig) buffer(n int, dir dma.Direction) ([]byte, dma.Addr) {
	r.t.Helper()
	buf := make([]byte, n)
	addr, err := r.mem.MapSingle(buf, dir)
	require.NoError(r.t, err)
	return buf, addr
}

func (r *rig) comp(i int) *wire.Comp {
	c := wire.LoadComp(r.cq[i*wire.CompSize:])
	return &c
}

func (r *rig) postRx(i int, sizes ...int) [][]byte {
	var bufs [][]byte
	d := wire.RxDesc{}
	for j, size := range sizes {
		buf, addr := r.buffer(size, dma.FromDevice)
		bufs = append(bufs, buf)
		if j == 0 {
			d.Addr, d.Len = uint64(addr), uint16(size)
			continue
		}
		d.Opcode = wire.RxOpSG
		wire.SGElem{Addr: uint64(addr), Len: uint16(size)}.
			Put(r.sg[i*r.info.SGStride+(j-1)*wire.SGElemSize:])
	}
	d.Put(r.desc[i*wire.DescSize:])
	return bufs
}

func TestDeliverUnknownQueue(t *testing.T) {
	n, err := New(Config{Mem: dma.NewSpace()})
	require.NoError(t, err)
	assert.ErrorIs(t, n.Deliver(3, make([]byte, 60)), ErrUnknownQueue)
	_, err = n.ProcessTx(0)
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDeliverScatter(t *testing.T) {
	r := newRig(t, nic.QueueTypeRx, 8)
	bufs := r.postRx(0, 100, 100, 100)
	r.postRx(1, 32)
	r.nic.Doorbell(nic.QueueTypeRx, 0, 2)
	assert.Equal(t, 2, r.nic.PostedRx(0))

	frame := tcpFrame(t, 100, false)
	require.NoError(t, r.nic.Deliver(0, frame))

	c := wire.DecodeRxComp(r.comp(0))
	assert.True(t, c.Color)
	assert.Equal(t, uint16(0), c.CompIndex)
	assert.Equal(t, uint8(wire.StatusOK), c.Status)
	assert.Equal(t, uint16(len(frame)), c.Len)
	assert.Equal(t, uint8(1), c.NumSG)
	assert.Equal(t, wire.PktTypeIPv4TCP, c.PktType)
	assert.Equal(t, wire.RxCsumTCPOK|wire.RxCsumIPOK|wire.RxCsumCalc, c.CsumFlags)
	assert.Equal(t, checksum.Checksum(frame[14:], 0), c.Csum)
	assert.NotZero(t, c.RSSHash)
	assert.Equal(t, frame, append(bufs[0], bufs[1][:len(frame)-100]...))

	// The second buffer is too small.
	require.NoError(t, r.nic.Deliver(0, frame))
	c = wire.DecodeRxComp(r.comp(1))
	assert.Equal(t, StatusBufTooSmall, c.Status)
	assert.Equal(t, uint64(1), r.nic.Stats().RxErrors.Load())

	assert.ErrorIs(t, r.nic.Deliver(0, frame), ErrNoBuffer)
	assert.Equal(t, uint64(1), r.nic.Stats().RxNoBuf.Load())
}

func TestDeliverStripsVLAN(t *testing.T) {
	r := newRig(t, nic.QueueTypeRx, 4)
	bufs := r.postRx(0, 256)
	r.nic.Doorbell(nic.QueueTypeRx, 0, 1)

	frame := tcpFrame(t, 20, false)
	require.NoError(t, r.nic.Deliver(0, insertVLAN(frame, 0x0123)))

	c := wire.DecodeRxComp(r.comp(0))
	assert.Equal(t, uint16(0x0123), c.VlanTCI)
	assert.NotZero(t, c.CsumFlags&wire.RxCsumVLAN)
	assert.Equal(t, uint16(len(frame)), c.Len)
	assert.Equal(t, frame, bufs[0][:len(frame)])
}

func TestInterruptMasking(t *testing.T) {
	r := newRig(t, nic.QueueTypeRx, 8)
	for i := range 4 {
		r.postRx(i, 128)
	}
	r.nic.Doorbell(nic.QueueTypeRx, 0, 4)
	frame := tcpFrame(t, 10, false)

	require.NoError(t, r.nic.Deliver(0, frame))
	require.NoError(t, r.nic.Deliver(0, frame))
	assert.Equal(t, 1, r.irqs)
	in := r.nic.Intr(0)
	assert.True(t, in.Masked)
	assert.Equal(t, uint32(2), in.Pending)

	// Credits without unmask keep it quiet.
	r.nic.IntrCredits(0, 1, nic.IntrCredResetCoalesce)
	in = r.nic.Intr(0)
	assert.True(t, in.Masked)
	assert.Equal(t, uint32(1), in.Pending)
	assert.Equal(t, uint64(1), in.CoalesceResets)

	// Unmasking with work pending fires right away.
	r.nic.IntrCredits(0, 0, nic.IntrCredUnmask)
	assert.Equal(t, 2, r.irqs)

	r.nic.IntrCredits(0, 1, nic.IntrCredUnmask)
	in = r.nic.Intr(0)
	assert.False(t, in.Masked)
	assert.Zero(t, in.Pending)
	assert.Equal(t, uint64(2), in.Credits)
	assert.Equal(t, 2, r.irqs)

	require.NoError(t, r.nic.Deliver(0, frame))
	assert.Equal(t, 3, r.irqs)
}

func TestArmCQ(t *testing.T) {
	r := newRig(t, nic.QueueTypeRx, 8)
	for i := range 4 {
		r.postRx(i, 128)
	}
	r.nic.Doorbell(nic.QueueTypeRx, 0, 4)
	frame := tcpFrame(t, 10, false)

	r.nic.ArmCQ(nic.QueueTypeRx, 0, 0)
	assert.Zero(t, r.events)
	require.NoError(t, r.nic.Deliver(0, frame))
	require.NoError(t, r.nic.Deliver(0, frame))
	assert.Equal(t, 1, r.events, "one event per arming")

	// Entries past the tail are already there.
	r.nic.ArmCQ(nic.QueueTypeRx, 0, 1)
	assert.Equal(t, 2, r.events)
	r.nic.ArmCQ(nic.QueueTypeRx, 0, 2)
	assert.Equal(t, 2, r.events)
}

func (r *rig) postTx(i int, d wire.TxDesc, data []byte) {
	r.t.Helper()
	_, addr := r.buffer(len(data), dma.ToDevice)
	buf, err := r.mem.Resolve(addr, len(data))
	require.NoError(r.t, err)
	copy(buf, data)
	d.Addr, d.Len = uint64(addr), uint16(len(data))
	d.Put(r.desc[i*wire.DescSize:])
}

func TestProcessTxCoalescesCompletion(t *testing.T) {
	r := newRig(t, nic.QueueTypeTx, 8)
	frame := tcpFrame(t, 10, false)
	r.postTx(0, wire.TxDesc{Opcode: wire.TxOpCsumNone}, frame)
	r.postTx(1, wire.TxDesc{Opcode: wire.TxOpCsumNone, Flags: wire.TxFlagVLAN, VlanTCI: 3}, frame)
	r.nic.Doorbell(nic.QueueTypeTx, 0, 2)
	assert.Equal(t, 2, r.nic.PendingTx(0))

	n, err := r.nic.ProcessTx(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, r.nic.PendingTx(0))

	c := wire.DecodeTxComp(r.comp(0))
	assert.True(t, c.Color)
	assert.Equal(t, uint16(1), c.CompIndex)
	assert.False(t, r.comp(1).Color(), "one completion per batch")

	frames := r.wire.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, frame, frames[0].Data)
	assert.Len(t, frames[1].Data, len(frame)+4)
}

func TestProcessTxWaitsForTSOEnd(t *testing.T) {
	r := newRig(t, nic.QueueTypeTx, 8)
	frame := tcpFrame(t, 300, false)
	ip := header.IPv4(frame[14:])
	header.TCP(frame[34:]).SetChecksum(header.PseudoHeaderChecksum(
		header.TCPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), 0))

	d := wire.TxDesc{Opcode: wire.TxOpTSO}
	d.SetTSO(54, 150)
	first := d
	first.Flags = wire.TxFlagTSOSOT
	r.postTx(0, first, frame[:54+150])
	r.nic.Doorbell(nic.QueueTypeTx, 0, 1)

	n, err := r.nic.ProcessTx(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.nic.PendingTx(0))
	assert.False(t, r.comp(0).Color())

	last := d
	last.Flags = wire.TxFlagTSOEOT
	r.postTx(1, last, frame[54+150:])
	r.nic.Doorbell(nic.QueueTypeTx, 0, 2)

	n, err = r.nic.ProcessTx(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint16(1), wire.DecodeTxComp(r.comp(0)).CompIndex)
	for _, f := range r.wire.Frames() {
		validChecksums(t, f.Data)
	}
	assert.Equal(t, uint64(2), r.nic.Stats().TxSegments.Load())
}

func TestProcessTxBadAddress(t *testing.T) {
	r := newRig(t, nic.QueueTypeTx, 4)
	d := wire.TxDesc{Opcode: wire.TxOpCsumNone, Addr: 0xdead000, Len: 60}
	d.Put(r.desc)
	r.nic.Doorbell(nic.QueueTypeTx, 0, 1)

	n, err := r.nic.ProcessTx(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), r.nic.Stats().TxErrors.Load())
	assert.True(t, r.comp(0).Color(), "the slot is still completed")
}
