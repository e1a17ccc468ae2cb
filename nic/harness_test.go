package nic_test

import (
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/ionic-go/bufpool"
	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/softnic"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	if os.Getenv("TEST_LOGS") == "" {
		l.SetOutput(io.Discard)
	}
	l.SetLevel(logrus.DebugLevel)
	return l
}

type flowRecorder struct {
	stops atomic.Int32
	wakes atomic.Int32
}

func (f *flowRecorder) Stop(int) { f.stops.Add(1) }
func (f *flowRecorder) Wake(int) { f.wakes.Add(1) }

type harnessConfig struct {
	Conf     nic.Config
	Dev      softnic.Config
	Pool     bufpool.Config
	Loopback bool
}

// harness is a queue pair wired to a software device.
type harness struct {
	t    *testing.T
	mem  *dma.Space
	dev  *softnic.NIC
	wire *softnic.Capture
	pool *bufpool.Pool
	qp   *nic.QueuePair
	flow *flowRecorder
	irqs atomic.Int32
	got  []*nic.Packet
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		mem:  dma.NewSpace(),
		wire: &softnic.Capture{},
		flow: &flowRecorder{},
	}
	hc := harnessConfig{
		Conf: nic.Config{NumDescs: 64, Features: nic.DefaultFeatures},
		Dev:  softnic.Config{AutoProcess: true},
		Pool: bufpool.Config{Granules: 256, LowWater: -1},
	}
	for _, o := range opts {
		o(&hc)
	}

	hc.Dev.Mem = h.mem
	hc.Dev.Wire = h.wire
	if hc.Loopback {
		hc.Dev.Wire = softnic.WireFunc(func(qid uint32, frame []byte) error {
			return h.dev.Deliver(qid, frame)
		})
	}
	hc.Dev.Interrupt = func(int) { h.irqs.Add(1) }
	hc.Dev.Logger = testLogger()

	var err error
	h.dev, err = softnic.New(hc.Dev)
	require.NoError(t, err)
	h.pool, err = bufpool.New(hc.Pool, h.mem)
	require.NoError(t, err)

	hc.Conf.Logger = testLogger()
	hc.Conf.Flow = h.flow
	hc.Conf.Receive = func(p *nic.Packet) { h.got = append(h.got, p) }
	h.qp, err = nic.NewQueuePair(hc.Conf, h.dev, h.mem, h.pool)
	require.NoError(t, err)
	require.NoError(t, h.qp.Start())

	t.Cleanup(func() {
		h.freeReceived()
		require.NoError(t, h.qp.Close())
		require.NoError(t, h.pool.Close(), "receive memory leaked")
		assert.Zero(t, h.mem.Live(), "streaming mappings leaked")
	})
	return h
}

func (h *harness) freeReceived() {
	for _, p := range h.got {
		p.Free()
	}
	h.got = nil
}

func (h *harness) deliver(frame []byte) {
	h.t.Helper()
	require.NoError(h.t, h.dev.Deliver(0, frame))
}

// freeCounter returns an OnFree hook and the number of times it ran.
func freeCounter() (func(*nic.Packet), *atomic.Int32) {
	var n atomic.Int32
	return func(*nic.Packet) { n.Add(1) }, &n
}

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	srcIP4 = net.IPv4(10, 0, 0, 1).To4()
	dstIP4 = net.IPv4(10, 0, 0, 2).To4()
	srcIP6 = net.ParseIP("fd00::1")
	dstIP6 = net.ParseIP("fd00::2")
)

type frameOpts struct {
	v6      bool
	udp     bool
	vlan    uint16
	payload int
	seq     uint32
	flags   func(*layers.TCP)
}

// buildFrame serializes an Ethernet frame with valid lengths and checksums.
func buildFrame(t *testing.T, o frameOpts) []byte {
	t.Helper()
	payload := make([]byte, o.payload)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var ls []gopacket.SerializableLayer
	ls = append(ls, eth)

	etype := layers.EthernetTypeIPv4
	if o.v6 {
		etype = layers.EthernetTypeIPv6
	}
	if o.vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: o.vlan, Type: etype})
	} else {
		eth.EthernetType = etype
	}

	var netLayer gopacket.NetworkLayer
	proto := layers.IPProtocolTCP
	if o.udp {
		proto = layers.IPProtocolUDP
	}
	if o.v6 {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: srcIP6, DstIP: dstIP6}
		netLayer = ip
		ls = append(ls, ip)
	} else {
		ip := &layers.IPv4{Version: 4, TTL: 64, Id: 100, Protocol: proto, SrcIP: srcIP4, DstIP: dstIP4}
		netLayer = ip
		ls = append(ls, ip)
	}

	if o.udp {
		udp := &layers.UDP{SrcPort: 4000, DstPort: 5000}
		require.NoError(t, udp.SetNetworkLayerForChecksum(netLayer))
		ls = append(ls, udp)
	} else {
		tcp := &layers.TCP{SrcPort: 4000, DstPort: 5000, Seq: o.seq, Ack: 1, ACK: true, Window: 1024}
		if o.flags != nil {
			o.flags(tcp)
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(netLayer))
		ls = append(ls, tcp)
	}
	ls = append(ls, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return buf.Bytes()
}

// offsets returns the network and transport header offsets of an untagged
// frame built by buildFrame.
func offsets(o frameOpts) (netOff, transOff int) {
	netOff = header.EthernetMinimumSize
	if o.v6 {
		return netOff, netOff + header.IPv6MinimumSize
	}
	return netOff, netOff + header.IPv4MinimumSize
}

// assertChecksums checks the IPv4 header and L4 checksums of an untagged frame.
func assertChecksums(t *testing.T, frame []byte) {
	t.Helper()
	require.Greater(t, len(frame), header.EthernetMinimumSize)
	l3 := frame[header.EthernetMinimumSize:]
	var (
		pseudo uint16
		l4     []byte
	)
	switch header.IPVersion(l3) {
	case header.IPv4Version:
		ip := header.IPv4(l3)
		assert.Equal(t, uint16(0xffff), checksum.Checksum(l3[:ip.HeaderLength()], 0), "ipv4 header checksum")
		l4 = l3[ip.HeaderLength():ip.TotalLength()]
		pseudo = header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	case header.IPv6Version:
		ip := header.IPv6(l3)
		l4 = l3[header.IPv6MinimumSize : header.IPv6MinimumSize+int(ip.PayloadLength())]
		pseudo = header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	default:
		t.Fatalf("not an ip frame")
	}
	assert.Equal(t, uint16(0xffff), checksum.Checksum(l4, pseudo), "l4 checksum")
}

// splitPacket builds a transmit packet whose linear part holds headLen bytes
// of frame and whose fragments hold the rest in chunks of fragLen.
func splitPacket(frame []byte, headLen, fragLen int) *nic.Packet {
	p := &nic.Packet{Head: append([]byte(nil), frame[:headLen]...)}
	for rest := frame[headLen:]; len(rest) > 0; {
		n := min(fragLen, len(rest))
		p.Frags = append(p.Frags, nic.Frag{Data: append([]byte(nil), rest[:n]...)})
		rest = rest[n:]
	}
	return p
}
