package softnic

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/wire"
)

// rxMeta is what the device reports about a received frame.
type rxMeta struct {
	pktType wire.PktType
	flags   wire.RxCsumFlags
	hash    uint32
	csum    uint16
	vlanTCI uint16
}

// Deliver receives frame on RX queue qid: it is written into the next posted
// buffer chain and a completion is published. Without a posted buffer the
// frame is dropped with ErrNoBuffer.
func (n *NIC) Deliver(qid uint32, frame []byte) error {
	n.mu.Lock()
	r := n.queues[queueKey{nic.QueueTypeRx, qid}]
	if r == nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: rx %d", ErrUnknownQueue, qid)
	}
	if r.next == r.posted {
		n.mu.Unlock()
		n.stats.RxNoBuf.Add(1)
		return ErrNoBuffer
	}

	frame, meta := n.classify(frame)
	c := wire.RxComp{
		CompIndex: r.next,
		RSSHash:   meta.hash,
		Csum:      meta.csum,
		VlanTCI:   meta.vlanTCI,
		Len:       uint16(len(frame)),
		CsumFlags: meta.flags,
		PktType:   meta.pktType,
		Color:     r.color,
	}
	used, status := n.scatter(r, r.next, frame)
	c.Status = status
	c.NumSG = uint8(max(used-1, 0))
	if status != wire.StatusOK {
		n.stats.RxErrors.Add(1)
	} else {
		n.stats.RxFrames.Add(1)
		n.stats.RxBytes.Add(uint64(len(frame)))
	}

	raw := c.Encode()
	r.complete(&raw)
	r.next = (r.next + 1) & r.mask
	n.signal(r)
	notes := n.takeNotes()
	n.mu.Unlock()

	runNotes(notes)
	return nil
}

// PostedRx returns the number of receive descriptors available to Deliver.
func (n *NIC) PostedRx(qid uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.queues[queueKey{nic.QueueTypeRx, qid}]
	if r == nil {
		return 0
	}
	return int((r.posted - r.next) & r.mask)
}

// scatter copies frame into the buffers of descriptor i and returns how many
// buffers it used. Must hold mu.
func (n *NIC) scatter(r *ring, i uint16, frame []byte) (used int, status uint8) {
	d := wire.GetRxDesc(r.descAt(i))
	bufs := []wire.SGElem{{Addr: d.Addr, Len: d.Len}}
	if d.Opcode == wire.RxOpSG {
		for j := range r.maxSG() {
			e := wire.GetSGElem(r.sgAt(i, j))
			if e.Len == 0 {
				break
			}
			bufs = append(bufs, e)
		}
	}

	left := frame
	for _, b := range bufs {
		if len(left) == 0 {
			break
		}
		mem, err := n.conf.Mem.Resolve(dma.Addr(b.Addr), int(b.Len))
		if err != nil {
			return used, StatusBadAddr
		}
		left = left[copy(mem, left):]
		used++
	}
	if len(left) > 0 {
		return used, StatusBufTooSmall
	}
	return used, wire.StatusOK
}

// classify strips a VLAN tag unless disabled and computes the receive
// metadata of frame.
func (n *NIC) classify(frame []byte) ([]byte, rxMeta) {
	var m rxMeta
	if len(frame) < header.EthernetMinimumSize {
		return frame, m
	}
	if !n.conf.KeepVLAN && binary.BigEndian.Uint16(frame[12:]) == etherTypeVLAN &&
		len(frame) >= header.EthernetMinimumSize+vlanTagLen {
		m.vlanTCI = binary.BigEndian.Uint16(frame[14:])
		m.flags |= wire.RxCsumVLAN
		stripped := make([]byte, 0, len(frame)-vlanTagLen)
		stripped = append(stripped, frame[:12]...)
		frame = append(stripped, frame[16:]...)
	}

	m.csum = checksum.Checksum(frame[header.EthernetMinimumSize:], 0)
	m.flags |= wire.RxCsumCalc

	h, err := parseHeaders(frame)
	if err != nil {
		return frame, m
	}
	// pkt drops Ethernet padding past the IP length.
	pkt := frame
	l3 := frame[h.netOff:]

	var tuple []byte
	switch h.version {
	case header.IPv4Version:
		ip := header.IPv4(l3)
		m.pktType = wire.PktTypeIPv4
		if checksum.Checksum(l3[:ip.HeaderLength()], 0) == 0xffff {
			m.flags |= wire.RxCsumIPOK
		} else {
			m.flags |= wire.RxCsumIPBad
		}
		if tl := int(ip.TotalLength()); tl >= int(ip.HeaderLength()) && tl <= len(l3) {
			pkt = frame[:h.netOff+tl]
		}
		src, dst := ip.SourceAddress(), ip.DestinationAddress()
		tuple = append(tuple, src.AsSlice()...)
		tuple = append(tuple, dst.AsSlice()...)
	case header.IPv6Version:
		ip := header.IPv6(l3)
		m.pktType = wire.PktTypeIPv6
		if pl := int(ip.PayloadLength()) + header.IPv6MinimumSize; pl <= len(l3) {
			pkt = frame[:h.netOff+pl]
		}
		src, dst := ip.SourceAddress(), ip.DestinationAddress()
		tuple = append(tuple, src.AsSlice()...)
		tuple = append(tuple, dst.AsSlice()...)
	}

	if h.transOff > len(pkt) {
		return frame, m
	}
	l4 := pkt[h.transOff:]
	switch h.l4 {
	case uint8(header.TCPProtocolNumber):
		if len(l4) < header.TCPMinimumSize {
			break
		}
		m.pktType = tcpType(h.version)
		if checksum.Checksum(l4, h.pseudoSum(pkt, len(l4))) == 0xffff {
			m.flags |= wire.RxCsumTCPOK
		} else {
			m.flags |= wire.RxCsumTCPBad
		}
		tuple = append(tuple, l4[:4]...)
	case uint8(header.UDPProtocolNumber):
		if len(l4) < header.UDPMinimumSize {
			break
		}
		m.pktType = udpType(h.version)
		udp := header.UDP(l4)
		switch {
		case udp.Checksum() == 0 && h.version == header.IPv4Version:
			// No checksum.
		case checksum.Checksum(l4, h.pseudoSum(pkt, len(l4))) == 0xffff:
			m.flags |= wire.RxCsumUDPOK
		default:
			m.flags |= wire.RxCsumUDPBad
		}
		tuple = append(tuple, l4[:4]...)
	}

	m.hash = Toeplitz(n.conf.RSSKey, tuple)
	return frame, m
}

func tcpType(version int) wire.PktType {
	if version == header.IPv4Version {
		return wire.PktTypeIPv4TCP
	}
	return wire.PktTypeIPv6TCP
}

func udpType(version int) wire.PktType {
	if version == header.IPv4Version {
		return wire.PktTypeIPv4UDP
	}
	return wire.PktTypeIPv6UDP
}
