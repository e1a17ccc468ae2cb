package nic

import "sync/atomic"

// RxStats are the counters of one receive queue. Fields are updated by the
// polling goroutine and may be read from anywhere.
type RxStats struct {
	Pkts         atomic.Uint64
	Bytes        atomic.Uint64
	Dropped      atomic.Uint64
	AllocErr     atomic.Uint64
	DMAMapErr    atomic.Uint64
	CsumComplete atomic.Uint64
	CsumNone     atomic.Uint64
	CsumError    atomic.Uint64
	VLANStripped atomic.Uint64
	Copybreak    atomic.Uint64
	Desync       atomic.Uint64
}

// TxStats are the counters of one transmit queue.
type TxStats struct {
	Pkts         atomic.Uint64
	Bytes        atomic.Uint64
	Clean        atomic.Uint64
	DMAMapErr    atomic.Uint64
	Linearize    atomic.Uint64
	TSO          atomic.Uint64
	TSOBytes     atomic.Uint64
	Frags        atomic.Uint64
	Csum         atomic.Uint64
	CsumNone     atomic.Uint64
	VLANInserted atomic.Uint64
	Stop         atomic.Uint64
	Wake         atomic.Uint64
	Drop         atomic.Uint64
	Busy         atomic.Uint64
	Desync       atomic.Uint64
	// SentBytes and CompletedBytes account the bytes handed to and released
	// by the device. Their difference is the backlog in flight.
	SentBytes      atomic.Uint64
	CompletedBytes atomic.Uint64
}

// Counters is a point-in-time copy of a queue's counters keyed by name.
type Counters map[string]uint64

func (s *RxStats) Counters() Counters {
	return Counters{
		"rx_pkts":          s.Pkts.Load(),
		"rx_bytes":         s.Bytes.Load(),
		"rx_dropped":       s.Dropped.Load(),
		"rx_alloc_err":     s.AllocErr.Load(),
		"rx_dma_map_err":   s.DMAMapErr.Load(),
		"rx_csum_complete": s.CsumComplete.Load(),
		"rx_csum_none":     s.CsumNone.Load(),
		"rx_csum_error":    s.CsumError.Load(),
		"rx_vlan_stripped": s.VLANStripped.Load(),
		"rx_copybreak":     s.Copybreak.Load(),
		"rx_desync":        s.Desync.Load(),
	}
}

func (s *TxStats) Counters() Counters {
	return Counters{
		"tx_pkts":            s.Pkts.Load(),
		"tx_bytes":           s.Bytes.Load(),
		"tx_clean":           s.Clean.Load(),
		"tx_dma_map_err":     s.DMAMapErr.Load(),
		"tx_linearize":       s.Linearize.Load(),
		"tx_tso":             s.TSO.Load(),
		"tx_tso_bytes":       s.TSOBytes.Load(),
		"tx_frags":           s.Frags.Load(),
		"tx_csum":            s.Csum.Load(),
		"tx_csum_none":       s.CsumNone.Load(),
		"tx_vlan_inserted":   s.VLANInserted.Load(),
		"tx_stop":            s.Stop.Load(),
		"tx_wake":            s.Wake.Load(),
		"tx_drop":            s.Drop.Load(),
		"tx_busy":            s.Busy.Load(),
		"tx_desync":          s.Desync.Load(),
		"tx_sent_bytes":      s.SentBytes.Load(),
		"tx_completed_bytes": s.CompletedBytes.Load(),
	}
}
