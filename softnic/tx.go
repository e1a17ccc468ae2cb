package softnic

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/ionic-go/dma"
	"github.com/romshark/ionic-go/wire"
)

var (
	ErrUnsupportedFrame = errors.New("frame headers cannot be segmented")
	ErrBadOffload       = errors.New("offload parameters out of range")
)

const (
	etherTypeVLAN = 0x8100
	vlanTagLen    = 4

	// udpChecksumOffset is the offset of the checksum field in a UDP header.
	udpChecksumOffset = 6
)

// processTx consumes whole packets up to the last doorbell and writes one
// completion for the last descriptor consumed. A TSO packet whose end is
// not posted yet is left for a later doorbell. Must hold mu.
func (n *NIC) processTx(r *ring) (frames [][]byte) {
	consumed := false
	for r.next != r.posted {
		first := r.next
		count := 1
		if d := wire.GetTxDesc(r.descAt(first)); d.Opcode == wire.TxOpTSO {
			var ok bool
			if count, ok = tsoSpan(r, first); !ok {
				break
			}
		}

		out, err := n.encodeTx(r, first, count)
		if err != nil {
			n.stats.TxErrors.Add(1)
			n.log.WithFields(logrus.Fields{
				"index": r.info.Index,
				"desc":  first,
				"error": err,
			}).Warn("tx descriptor rejected")
		}
		for _, f := range out {
			n.stats.TxFrames.Add(1)
			n.stats.TxBytes.Add(uint64(len(f)))
		}
		frames = append(frames, out...)

		r.next = (first + uint16(count)) & r.mask
		consumed = true
	}
	if !consumed {
		return frames
	}

	c := wire.TxComp{CompIndex: (r.next - 1) & r.mask, Color: r.color}
	raw := c.Encode()
	r.complete(&raw)
	n.signal(r)
	return frames
}

// tsoSpan returns the number of descriptors from first through the EOT
// descriptor, or false if EOT is not posted yet.
func tsoSpan(r *ring, first uint16) (int, bool) {
	for i, count := first, 1; i != r.posted; i, count = (i+1)&r.mask, count+1 {
		if wire.GetTxDesc(r.descAt(i)).Flags&wire.TxFlagTSOEOT != 0 {
			return count, true
		}
	}
	return 0, false
}

// encodeTx gathers the packet in descriptors [first, first+count) and applies
// its offloads, returning the frames to put on the wire.
func (n *NIC) encodeTx(r *ring, first uint16, count int) ([][]byte, error) {
	var (
		frame []byte
		d0    = wire.GetTxDesc(r.descAt(first))
	)
	for k := range count {
		i := (first + uint16(k)) & r.mask
		d := wire.GetTxDesc(r.descAt(i))
		buf, err := n.conf.Mem.Resolve(dma.Addr(d.Addr), int(d.Len))
		if err != nil {
			return nil, fmt.Errorf("desc %d: %w", i, err)
		}
		frame = append(frame, buf...)
		for j := range int(d.NumSG) {
			if j >= r.maxSG() {
				return nil, fmt.Errorf("desc %d: %d sg elements exceed ring stride", i, d.NumSG)
			}
			e := wire.GetSGElem(r.sgAt(i, j))
			buf, err := n.conf.Mem.Resolve(dma.Addr(e.Addr), int(e.Len))
			if err != nil {
				return nil, fmt.Errorf("desc %d sg %d: %w", i, j, err)
			}
			frame = append(frame, buf...)
		}
	}

	var frames [][]byte
	switch d0.Opcode {
	case wire.TxOpCsumNone:
		frames = [][]byte{frame}
	case wire.TxOpCsumPartial:
		if err := insertCsum(frame, int(d0.CsumStart), int(d0.CsumOffset)); err != nil {
			return nil, err
		}
		frames = [][]byte{frame}
	case wire.TxOpCsumHW:
		if err := fullCsum(frame, d0.Flags); err != nil {
			return nil, err
		}
		frames = [][]byte{frame}
	case wire.TxOpTSO:
		hdrLen, mss := d0.TSO()
		segs, err := segment(frame, int(hdrLen), int(mss))
		if err != nil {
			return nil, err
		}
		n.stats.TxSegments.Add(uint64(len(segs)))
		frames = segs
	default:
		return nil, fmt.Errorf("%w: opcode %d", ErrBadOffload, d0.Opcode)
	}

	if d0.Flags&wire.TxFlagVLAN != 0 {
		for i, f := range frames {
			frames[i] = insertVLAN(f, d0.VlanTCI)
		}
	}
	return frames, nil
}

// insertCsum folds the ones' complement sum of frame[start:] into the 16-bit
// field at start+offset, which holds the pseudo-header seed.
func insertCsum(frame []byte, start, offset int) error {
	if start >= len(frame) || start+offset+2 > len(frame) {
		return fmt.Errorf("%w: csum start %d offset %d in %d bytes",
			ErrBadOffload, start, offset, len(frame))
	}
	sum := ^checksum.Checksum(frame[start:], 0)
	if sum == 0 && offset == udpChecksumOffset {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(frame[start+offset:], sum)
	return nil
}

// l3l4 locates the network and transport headers of an Ethernet frame.
type l3l4 struct {
	netOff   int
	transOff int
	version  int
	l4       uint8
}

func parseHeaders(frame []byte) (l3l4, error) {
	var h l3l4
	if len(frame) < header.EthernetMinimumSize {
		return h, ErrUnsupportedFrame
	}
	h.netOff = header.EthernetMinimumSize
	etype := binary.BigEndian.Uint16(frame[12:])
	if etype == etherTypeVLAN {
		if len(frame) < h.netOff+vlanTagLen {
			return h, ErrUnsupportedFrame
		}
		etype = binary.BigEndian.Uint16(frame[16:])
		h.netOff += vlanTagLen
	}
	l3 := frame[h.netOff:]
	switch etype {
	case uint16(header.IPv4ProtocolNumber):
		if len(l3) < header.IPv4MinimumSize {
			return h, ErrUnsupportedFrame
		}
		ip := header.IPv4(l3)
		hl := int(ip.HeaderLength())
		if hl < header.IPv4MinimumSize || hl > len(l3) {
			return h, ErrUnsupportedFrame
		}
		h.version, h.l4 = header.IPv4Version, ip.Protocol()
		h.transOff = h.netOff + hl
	case uint16(header.IPv6ProtocolNumber):
		if len(l3) < header.IPv6MinimumSize {
			return h, ErrUnsupportedFrame
		}
		h.version, h.l4 = header.IPv6Version, header.IPv6(l3).NextHeader()
		h.transOff = h.netOff + header.IPv6MinimumSize
	default:
		return h, ErrUnsupportedFrame
	}
	return h, nil
}

// pseudoSum returns the pseudo-header sum of the packet for l4Len bytes.
func (h l3l4) pseudoSum(frame []byte, l4Len int) uint16 {
	l3 := frame[h.netOff:]
	proto := header.TCPProtocolNumber
	if h.l4 == uint8(header.UDPProtocolNumber) {
		proto = header.UDPProtocolNumber
	}
	if h.version == header.IPv4Version {
		ip := header.IPv4(l3)
		return header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(l4Len))
	}
	ip := header.IPv6(l3)
	return header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(l4Len))
}

// fullCsum computes the IPv4 header and L4 checksums from scratch as
// selected by flags.
func fullCsum(frame []byte, flags wire.TxFlags) error {
	h, err := parseHeaders(frame)
	if err != nil {
		return err
	}
	if flags&wire.TxFlagCsumL3 != 0 && h.version == header.IPv4Version {
		ip := header.IPv4(frame[h.netOff:])
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
	}
	if flags&wire.TxFlagCsumL4 == 0 {
		return nil
	}
	var off int
	switch h.l4 {
	case uint8(header.TCPProtocolNumber):
		off = header.TCPChecksumOffset
	case uint8(header.UDPProtocolNumber):
		off = udpChecksumOffset
	default:
		return nil
	}
	if h.transOff+off+2 > len(frame) {
		return ErrUnsupportedFrame
	}
	binary.BigEndian.PutUint16(frame[h.transOff+off:], 0)
	seed := h.pseudoSum(frame, len(frame)-h.transOff)
	binary.BigEndian.PutUint16(frame[h.transOff+off:], seed)
	return insertCsum(frame, h.transOff, off)
}

// segment cuts a TCP frame into segments of at most mss payload bytes after
// hdrLen header bytes, fixing up lengths, IDs, sequence numbers, flags and
// checksums. The TCP checksum field must hold the pseudo-header sum over a
// zero length.
func segment(frame []byte, hdrLen, mss int) ([][]byte, error) {
	if mss == 0 || hdrLen > len(frame) {
		return nil, fmt.Errorf("%w: hdr_len %d mss %d in %d bytes",
			ErrBadOffload, hdrLen, mss, len(frame))
	}
	h, err := parseHeaders(frame)
	if err != nil {
		return nil, err
	}
	if h.l4 != uint8(header.TCPProtocolNumber) || h.transOff+header.TCPMinimumSize > hdrLen {
		return nil, ErrUnsupportedFrame
	}

	hdr := frame[:hdrLen]
	payload := frame[hdrLen:]
	tcp0 := header.TCP(hdr[h.transOff:])
	seed := tcp0.Checksum()
	seq := tcp0.SequenceNumber()
	flags := uint8(tcp0.Flags())
	var id uint16
	if h.version == header.IPv4Version {
		id = header.IPv4(hdr[h.netOff:]).ID()
	}

	nsegs := max(1, (len(payload)+mss-1)/mss)
	segs := make([][]byte, 0, nsegs)
	for i := range nsegs {
		chunk := payload[min(i*mss, len(payload)):min((i+1)*mss, len(payload))]
		seg := make([]byte, 0, hdrLen+len(chunk))
		seg = append(seg, hdr...)
		seg = append(seg, chunk...)

		switch ip := seg[h.netOff:]; h.version {
		case header.IPv4Version:
			v4 := header.IPv4(ip)
			v4.SetTotalLength(uint16(len(ip)))
			v4.SetID(id + uint16(i))
			v4.SetChecksum(0)
			v4.SetChecksum(^v4.CalculateChecksum())
		case header.IPv6Version:
			header.IPv6(ip).SetPayloadLength(uint16(len(ip) - header.IPv6MinimumSize))
		}

		tcp := header.TCP(seg[h.transOff:])
		tcp.SetSequenceNumber(seq + uint32(i*mss))
		f := flags
		if i != nsegs-1 {
			f &^= uint8(header.TCPFlagFin | header.TCPFlagPsh)
		}
		if i != 0 {
			f &^= uint8(header.TCPFlagCwr)
		}
		tcp.SetFlags(f)
		tcp.SetChecksum(0)
		sum := checksum.Combine(seed, uint16(len(tcp)))
		tcp.SetChecksum(^checksum.Checksum(tcp, sum))

		segs = append(segs, seg)
	}
	return segs, nil
}

func insertVLAN(frame []byte, tci uint16) []byte {
	if len(frame) < 12 {
		return frame
	}
	out := make([]byte, 0, len(frame)+vlanTagLen)
	out = append(out, frame[:12]...)
	out = binary.BigEndian.AppendUint16(out, etherTypeVLAN)
	out = binary.BigEndian.AppendUint16(out, tci)
	return append(out, frame[12:]...)
}
