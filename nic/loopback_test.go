package nic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/ionic-go/nic"
)

func TestLoopbackTSO(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.Loopback = true })

	o := frameOpts{payload: 3000, seq: 7}
	frame := buildFrame(t, o)
	p := splitPacket(frame, 54, 1024)
	p.GSOSize = 1000
	p.NetworkOffset, p.TransportOffset = offsets(o)
	onFree, freed := freeCounter()
	p.OnFree = onFree

	require.Equal(t, nic.TxOK, h.qp.Tx.Send(p, false))
	assert.Equal(t, 3, h.qp.Poll(64))
	assert.Equal(t, int32(1), freed.Load())

	require.Len(t, h.got, 3)
	var payload []byte
	for _, r := range h.got {
		b := r.Bytes()
		assertChecksums(t, b)
		assert.Equal(t, nic.CsumComplete, r.CsumStatus)
		assert.Equal(t, nic.HashL4, r.HashType)
		payload = append(payload, b[54:]...)
	}
	assert.Equal(t, frame[54:], payload)
	assert.Zero(t, h.qp.Rx.Stats().CsumError.Load())

	// All segments of one flow hash alike.
	assert.Equal(t, h.got[0].Hash, h.got[1].Hash)
	assert.Equal(t, h.got[0].Hash, h.got[2].Hash)
}

func TestLoopbackSustained(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Loopback = true
		c.Conf.NumDescs = 16
	})

	// Many times the ring size; the refill has to keep up.
	const n = 200
	sent := 0
	for sent < n {
		p := &nic.Packet{Head: buildFrame(t, frameOpts{udp: true, payload: 200 + sent%700})}
		switch h.qp.Tx.Send(p, false) {
		case nic.TxOK:
			sent++
		case nic.TxBusy:
			h.qp.Poll(64)
			continue
		default:
			t.Fatalf("packet %d dropped", sent)
		}
		h.qp.Poll(64)
		h.freeReceived()
	}
	h.qp.Poll(64)

	assert.Equal(t, uint64(n), h.qp.Rx.Stats().Pkts.Load())
	assert.Equal(t, uint64(n), h.qp.Tx.Stats().Clean.Load())
	assert.Zero(t, h.qp.Rx.Stats().Dropped.Load())
	assert.Zero(t, h.dev.Stats().RxNoBuf.Load())
}
