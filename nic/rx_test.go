package nic_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"

	"github.com/romshark/ionic-go/bufpool"
	"github.com/romshark/ionic-go/nic"
	"github.com/romshark/ionic-go/softnic"
)

func TestRxCopybreak(t *testing.T) {
	for _, tt := range []struct {
		name      string
		copybreak int
		copied    bool
	}{
		{"below threshold", 256, true},
		{"above threshold", 64, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *harnessConfig) { c.Conf.RxCopybreak = tt.copybreak })
			frame := buildFrame(t, frameOpts{udp: true, payload: 100 - 42})
			require.Len(t, frame, 100)

			h.deliver(frame)
			assert.Equal(t, 1, h.qp.Poll(64))
			require.Len(t, h.got, 1)
			p := h.got[0]
			assert.Equal(t, frame, p.Bytes())

			stats := h.qp.Rx.Stats()
			if tt.copied {
				assert.Len(t, p.Head, 100)
				assert.Empty(t, p.Frags)
				assert.Equal(t, uint64(1), stats.Copybreak.Load())
				assert.Zero(t, h.pool.Stats().Recycled)
			} else {
				assert.Empty(t, p.Head)
				require.Len(t, p.Frags, 1)
				assert.NotNil(t, p.Frags[0].Page)
				assert.Zero(t, stats.Copybreak.Load())
				assert.Equal(t, uint64(1), h.pool.Stats().Recycled)
			}
			assert.Equal(t, uint64(1), stats.Pkts.Load())
			assert.Equal(t, uint64(100), stats.Bytes.Load())
			assert.Equal(t, 63, h.qp.Rx.Ring().InFlight(), "ring refilled")
		})
	}
}

func TestRxRecycleKeepsGranule(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.Conf.RxCopybreak = 64 })

	// Every slot of a 64 entry ring gets one granule; the slot that was
	// never posted takes one more on the first refill.
	allocs := h.pool.Stats().Allocs
	for range 4 {
		h.deliver(buildFrame(t, frameOpts{payload: 400}))
	}
	assert.Equal(t, 4, h.qp.Poll(64))
	assert.Equal(t, allocs+1, h.pool.Stats().Allocs)
	assert.Equal(t, uint64(4), h.pool.Stats().Recycled)

	// The received packets hold page references; freeing them must not
	// return granules still posted on the ring.
	free := h.pool.Free()
	h.freeReceived()
	assert.Equal(t, free, h.pool.Free())
}

func TestRxGranuleExhaustedDetaches(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Conf.NumDescs = 4
		c.Conf.RxCopybreak = 64
	})

	// A 1514 byte slot fits twice into a granule. Slot 0 comes around again
	// on the fifth frame, uses the granule up and the buffer leaves the ring.
	for range 5 {
		h.deliver(buildFrame(t, frameOpts{payload: 1000}))
		require.Equal(t, 1, h.qp.Poll(64))
	}
	assert.Len(t, h.got, 5)
	assert.Greater(t, h.pool.Stats().Refused, uint64(0))
	for _, p := range h.got {
		require.Len(t, p.Frags, 1)
		assert.Len(t, p.Frags[0].Data, 1054)
	}
}

func TestRxMetadata(t *testing.T) {
	h := newHarness(t)
	frame := buildFrame(t, frameOpts{vlan: 42, payload: 300})

	h.deliver(frame)
	require.Equal(t, 1, h.qp.Poll(64))
	require.Len(t, h.got, 1)
	p := h.got[0]

	untagged := append(append([]byte(nil), frame[:12]...), frame[16:]...)
	assert.Equal(t, untagged, p.Bytes(), "tag stripped")
	assert.True(t, p.HasVLAN)
	assert.Equal(t, uint16(42), p.VLANTCI)
	assert.Equal(t, nic.HashL4, p.HashType)
	assert.NotZero(t, p.Hash)
	assert.Equal(t, nic.CsumComplete, p.CsumStatus)
	assert.Equal(t, checksum.Checksum(untagged[14:], 0), p.Csum)

	stats := h.qp.Rx.Stats()
	assert.Equal(t, uint64(1), stats.VLANStripped.Load())
	assert.Equal(t, uint64(1), stats.CsumComplete.Load())
	assert.Zero(t, stats.CsumError.Load())
}

func TestRxFeaturesDisabled(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.Conf.Features = 0 })

	h.deliver(buildFrame(t, frameOpts{vlan: 7, payload: 300}))
	require.Equal(t, 1, h.qp.Poll(64))
	p := h.got[0]
	assert.False(t, p.HasVLAN)
	assert.Equal(t, nic.HashNone, p.HashType)
	assert.Equal(t, nic.CsumNone, p.CsumStatus)
	assert.Equal(t, uint64(1), h.qp.Rx.Stats().CsumNone.Load())
}

func TestRxBadChecksumCounted(t *testing.T) {
	h := newHarness(t)
	frame := buildFrame(t, frameOpts{payload: 200})
	frame[len(frame)-1] ^= 0xff

	h.deliver(frame)
	require.Equal(t, 1, h.qp.Poll(64))
	assert.Len(t, h.got, 1, "delivered with the verdict left to the stack")
	assert.Equal(t, uint64(1), h.qp.Rx.Stats().CsumError.Load())
}

func TestRxIPv6Hash(t *testing.T) {
	h := newHarness(t)
	h.deliver(buildFrame(t, frameOpts{v6: true, udp: true, payload: 300}))
	require.Equal(t, 1, h.qp.Poll(64))
	assert.Equal(t, nic.HashL4, h.got[0].HashType)
}

func TestRxFrameTooLarge(t *testing.T) {
	h := newHarness(t)
	h.deliver(make([]byte, 1600))
	assert.Equal(t, 1, h.qp.Poll(64))
	assert.Empty(t, h.got)
	assert.Equal(t, uint64(1), h.qp.Rx.Stats().Dropped.Load())
	assert.Equal(t, uint64(1), h.dev.Stats().RxErrors.Load())
}

func TestRxScatterAcrossBuffers(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Pool = bufpool.Config{Granules: 256, GranuleSize: 1024, SplitSize: 512, LowWater: -1}
		c.Conf.RxCopybreak = 128
	})

	frame := buildFrame(t, frameOpts{payload: 1400})
	h.deliver(frame)
	require.Equal(t, 1, h.qp.Poll(64))
	require.Len(t, h.got, 1)
	p := h.got[0]
	assert.Len(t, p.Frags, 2)
	assert.Equal(t, frame, p.Bytes())
}

func TestRxPoolExhaustion(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Conf.NumDescs = 16
		c.Pool = bufpool.Config{Granules: 8, LowWater: -1}
	})

	assert.Equal(t, 8, h.qp.Rx.Ring().InFlight())
	assert.Equal(t, 8, h.dev.PostedRx(0))
	assert.Equal(t, uint64(1), h.qp.Rx.Stats().AllocErr.Load())
	assert.Equal(t, uint64(1), h.qp.Rx.Ring().Doorbells())
}

func TestRxRecoversAfterPoolRunsDry(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Conf.NumDescs = 8
		c.Pool = bufpool.Config{Granules: 4, LowWater: -1}
	})
	frame := buildFrame(t, frameOpts{payload: 1400})

	// Received packets keep every granule until they are freed, so the
	// ring runs empty and the device starts dropping.
	var noBuf int
	for range 16 {
		if err := h.dev.Deliver(0, frame); err != nil {
			require.ErrorIs(t, err, softnic.ErrNoBuffer)
			noBuf++
		}
		h.qp.Poll(64)
	}
	require.Positive(t, noBuf)
	require.Positive(t, h.qp.Rx.Stats().AllocErr.Load())

	h.freeReceived()
	h.qp.Poll(64)
	assert.Positive(t, h.qp.Rx.Ring().InFlight(), "ring refilled once memory is back")

	h.deliver(frame)
	require.Equal(t, 1, h.qp.Poll(64))
	require.Len(t, h.got, 1)
	assert.Equal(t, frame, h.got[0].Bytes())
}

func TestRxNoBufferDropsAtDevice(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.Conf.NumDescs = 4 })

	for range 3 {
		h.deliver(buildFrame(t, frameOpts{payload: 10}))
	}
	assert.ErrorIs(t, h.dev.Deliver(0, buildFrame(t, frameOpts{payload: 10})), softnic.ErrNoBuffer)
	assert.Equal(t, 3, h.qp.Poll(64))
	assert.Len(t, h.got, 3)
}

func TestRxInterruptMasking(t *testing.T) {
	h := newHarness(t)

	h.deliver(buildFrame(t, frameOpts{payload: 10}))
	h.deliver(buildFrame(t, frameOpts{payload: 10}))
	assert.Equal(t, int32(1), h.irqs.Load(), "masked after the first")

	assert.Equal(t, 2, h.qp.Poll(64))
	in := h.dev.Intr(0)
	assert.False(t, in.Masked)
	assert.Zero(t, in.Pending)
	assert.Equal(t, uint64(2), in.Credits)

	h.deliver(buildFrame(t, frameOpts{payload: 10}))
	assert.Equal(t, int32(2), h.irqs.Load())
}

func TestRxVLANTagInFrame(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.Dev.KeepVLAN = true })
	frame := buildFrame(t, frameOpts{vlan: 5, payload: 300})

	h.deliver(frame)
	require.Equal(t, 1, h.qp.Poll(64))
	p := h.got[0]
	assert.False(t, p.HasVLAN)
	assert.Equal(t, uint16(0x8100), binary.BigEndian.Uint16(p.Bytes()[12:]))
}
