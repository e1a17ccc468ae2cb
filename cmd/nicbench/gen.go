package main

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/ionic-go/nic"
)

var (
	genSrcMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	genDstMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x02}
	genSrcIP4 = net.IPv4(10, 0, 0, 1).To4()
	genDstIP4 = net.IPv4(10, 0, 0, 2).To4()
	genSrcIP6 = net.ParseIP("fd00::1")
	genDstIP6 = net.ParseIP("fd00::2")
)

const (
	ethLen = 14
	udpLen = 8
	tcpLen = 20
)

func headerLen(t Traffic) int {
	n := ethLen + 20
	if t.IPv6 {
		n = ethLen + 40
	}
	if t.Proto == "tcp" {
		return n + tcpLen
	}
	return n + udpLen
}

// minFrameLen is the smallest frame carrying t's headers and at least one
// payload byte per fragment.
func minFrameLen(t Traffic) int {
	return headerLen(t) + max(t.Frags, 1)
}

// generator hands out copies of one serialized frame. Every queue sends its
// own flow so receive hashing spreads them.
type generator struct {
	traffic  Traffic
	frame    []byte
	netOff   int
	transOff int
	hdrLen   int
	// chunks are the payload fragments, shared read-only by all packets.
	chunks [][]byte
}

func newGenerator(t Traffic, flow int) (*generator, error) {
	payloadLen := t.Size - headerLen(t)
	if t.TSO {
		payloadLen = t.MSS * t.Segments
	}
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	eth := &layers.Ethernet{SrcMAC: genSrcMAC, DstMAC: genDstMAC, EthernetType: layers.EthernetTypeIPv4}
	var (
		netLayer gopacket.NetworkLayer
		ipLayer  gopacket.SerializableLayer
	)
	proto := layers.IPProtocolUDP
	if t.Proto == "tcp" {
		proto = layers.IPProtocolTCP
	}
	if t.IPv6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: genSrcIP6, DstIP: genDstIP6}
		netLayer, ipLayer = ip, ip
	} else {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Id: 1, Protocol: proto, SrcIP: genSrcIP4, DstIP: genDstIP4}
		netLayer, ipLayer = ip, ip
	}

	srcPort := 10000 + flow
	var l4 gopacket.SerializableLayer
	switch t.Proto {
	case "tcp":
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(srcPort), DstPort: 5201,
			Seq: 1, Ack: 1, ACK: true, PSH: true, Window: 0xffff,
		}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		l4 = tcp
	default:
		udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 5201}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		l4 = udp
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ipLayer, l4, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}

	g := &generator{
		traffic:  t,
		frame:    buf.Bytes(),
		netOff:   ethLen,
		transOff: ethLen + 20,
		hdrLen:   headerLen(t),
	}
	if t.IPv6 {
		g.transOff = ethLen + 40
	}
	if t.Frags > 0 {
		rest := g.frame[g.hdrLen:]
		size := (len(rest) + t.Frags - 1) / t.Frags
		for len(rest) > 0 {
			n := min(size, len(rest))
			g.chunks = append(g.chunks, rest[:n])
			rest = rest[n:]
		}
	}
	return g, nil
}

// FrameLen is the length of every generated packet before offloads.
func (g *generator) FrameLen() int { return len(g.frame) }

// Packet returns a new packet ready to send. The head is private to the
// packet since offload preparation writes into it.
func (g *generator) Packet() (*nic.Packet, error) {
	headLen := len(g.frame)
	if g.chunks != nil {
		headLen = g.hdrLen
	}
	p := &nic.Packet{
		Head:            append(make([]byte, 0, headLen), g.frame[:headLen]...),
		NetworkOffset:   g.netOff,
		TransportOffset: g.transOff,
	}
	for _, c := range g.chunks {
		p.Frags = append(p.Frags, nic.Frag{Data: c})
	}
	if g.traffic.VLAN != 0 {
		p.HasVLAN, p.VLANTCI = true, g.traffic.VLAN
	}
	switch {
	case g.traffic.TSO:
		p.GSOSize = uint16(g.traffic.MSS)
	case g.traffic.CsumOffload:
		if err := p.PreparePartialCsum(); err != nil {
			return nil, err
		}
	}
	return p, nil
}
