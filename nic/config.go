package nic

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/wire"
)

var ErrInvalidConfig = errors.New("invalid queue config")

const (
	DefaultNumDescs    = 1024
	DefaultMTU         = 1500
	DefaultRxCopybreak = 256
	DefaultTxBudget    = 256

	// EthHeaderLen is added to the MTU to get the largest accepted frame.
	EthHeaderLen = 14

	// postSendReserve is the number of free descriptors below which a queue
	// stops itself right after a successful send.
	postSendReserve = 4
)

// Features toggle offloads on the receive side.
type Features uint8

const (
	FeatureRxHash Features = 1 << iota
	FeatureRxCsum
	FeatureRxVLAN

	DefaultFeatures = FeatureRxHash | FeatureRxCsum | FeatureRxVLAN
)

// Config configures one RX/TX queue pair.
type Config struct {
	// Index is the queue pair index. Used as both hardware queue IDs.
	Index int
	// NumDescs is the ring size of both rings. Must be a power of 2.
	NumDescs int
	// NumComps is the completion queue size. Defaults to NumDescs and must
	// not be smaller.
	NumComps int
	MTU      int
	// RxCopybreak is the frame length up to which received frames are
	// copied into a private buffer.
	RxCopybreak int
	RxMaxSG     int
	TxMaxSG     int
	// TxBudget bounds TX completions handled per combined poll,
	// independently of the RX budget.
	TxBudget int
	Features Features
	// Intr is the interrupt index both completion queues report to.
	Intr int
	// EventQueues selects event queue mode: CQ doorbells are armed instead
	// of returning interrupt credits.
	EventQueues bool

	// Receive takes ownership of every delivered packet.
	Receive   func(*Packet)
	Flow      FlowControl
	Scheduler Scheduler
	Logger    *logrus.Logger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumDescs == 0 {
		c.NumDescs = DefaultNumDescs
	}
	if c.NumComps == 0 {
		c.NumComps = c.NumDescs
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.RxCopybreak == 0 {
		c.RxCopybreak = DefaultRxCopybreak
	}
	if c.RxMaxSG == 0 {
		c.RxMaxSG = wire.RxMaxSG
	}
	if c.TxMaxSG == 0 {
		c.TxMaxSG = wire.TxMaxSG
	}
	if c.TxBudget == 0 {
		c.TxBudget = DefaultTxBudget
	}
	if c.Flow == nil {
		c.Flow = noFlowControl{}
	}
	if c.Scheduler == nil {
		c.Scheduler = AlwaysComplete
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Receive == nil {
		c.Receive = (*Packet).Free
	}

	if err := CheckQueueSize(c.NumDescs); err != nil {
		return err
	}
	if err := CheckQueueSize(c.NumComps); err != nil {
		return fmt.Errorf("completions: %w", err)
	}
	switch {
	case c.Index < 0:
		return fmt.Errorf("%w: Index %d", ErrInvalidConfig, c.Index)
	case c.NumComps < c.NumDescs:
		return fmt.Errorf("%w: NumComps %d is smaller than NumDescs %d",
			ErrInvalidConfig, c.NumComps, c.NumDescs)
	case c.MTU < 68 || c.MTU+EthHeaderLen > 0xffff:
		return fmt.Errorf("%w: MTU %d", ErrInvalidConfig, c.MTU)
	case c.RxCopybreak < 0:
		return fmt.Errorf("%w: RxCopybreak %d", ErrInvalidConfig, c.RxCopybreak)
	case c.RxMaxSG < 0 || c.RxMaxSG > wire.RxMaxSG:
		return fmt.Errorf("%w: RxMaxSG %d (max %d)", ErrInvalidConfig, c.RxMaxSG, wire.RxMaxSG)
	case c.TxMaxSG < 0 || c.TxMaxSG > wire.TxMaxSG:
		return fmt.Errorf("%w: TxMaxSG %d (max %d)", ErrInvalidConfig, c.TxMaxSG, wire.TxMaxSG)
	case c.TxBudget < 0:
		return fmt.Errorf("%w: TxBudget %d", ErrInvalidConfig, c.TxBudget)
	}
	return nil
}

// frameLen is the largest frame the receive path accepts.
func (c *Config) frameLen() int { return c.MTU + EthHeaderLen }
