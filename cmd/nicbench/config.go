package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/romshark/ionic-go/nic"
)

// Traffic describes the generated packets.
type Traffic struct {
	// Proto is "udp" or "tcp".
	Proto string `yaml:"proto"`
	IPv6  bool   `yaml:"ipv6"`
	// Size is the frame length without TSO.
	Size int `yaml:"size"`
	// TSO sends TCP super-frames of Segments*MSS payload bytes.
	TSO      bool `yaml:"tso"`
	MSS      int  `yaml:"mss"`
	Segments int  `yaml:"segments"`
	// Frags splits the payload into this many fragments. 0 sends linear
	// packets.
	Frags int    `yaml:"frags"`
	VLAN  uint16 `yaml:"vlan"`
	// CsumOffload leaves the L4 checksum to the device.
	CsumOffload bool `yaml:"csum-offload"`
}

type Config struct {
	Queues      int  `yaml:"queues"`
	NumDescs    int  `yaml:"num-descs"`
	MTU         int  `yaml:"mtu"`
	Granules    int  `yaml:"granules"`
	EventQueues bool `yaml:"event-queues"`
	Budget      int  `yaml:"budget"`
	Batch       int  `yaml:"batch"`
	// Count is the number of packets per queue.
	Count uint64 `yaml:"count"`
	// Rate limits each queue to this many packets per second. 0 is
	// unlimited.
	Rate    uint64  `yaml:"rate"`
	Traffic Traffic `yaml:"traffic"`
}

func defaultConfig() Config {
	return Config{
		Queues:   1,
		NumDescs: 1024,
		MTU:      nic.DefaultMTU,
		Budget:   64,
		Batch:    32,
		Count:    100_000,
		Traffic: Traffic{
			Proto:    "udp",
			Size:     512,
			MSS:      1400,
			Segments: 8,
		},
	}
}

// loadConfig reads path over the defaults. An empty path keeps the
// defaults.
func loadConfig(path string) (Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return conf, fmt.Errorf("parsing YAML: %w", err)
	}
	return conf, nil
}

// configFlags are the command line overrides. Only flags set explicitly
// replace file values.
type configFlags struct {
	file   string
	queues int
	descs  int
	count  uint64
	rate   uint64
	size   int
	proto  string
	tso    bool
	csum   bool
	frags  int
	vlan   uint16
	eventQ bool
	batch  int
	budget int
}

func (f *configFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "config", "c", "", "path to config YAML file")
	fl.IntVarP(&f.queues, "queues", "q", 0, "number of queue pairs")
	fl.IntVar(&f.descs, "descs", 0, "descriptors per ring (power of 2)")
	fl.Uint64VarP(&f.count, "count", "n", 0, "packets per queue")
	fl.Uint64VarP(&f.rate, "rate", "r", 0, "packets per second per queue (0 = unlimited)")
	fl.IntVarP(&f.size, "size", "l", 0, "frame size")
	fl.StringVar(&f.proto, "proto", "", "udp or tcp")
	fl.BoolVar(&f.tso, "tso", false, "send TCP segmentation offload super-frames")
	fl.BoolVar(&f.csum, "csum", false, "offload the L4 checksum")
	fl.IntVar(&f.frags, "frags", 0, "payload fragments per packet")
	fl.Uint16Var(&f.vlan, "vlan", 0, "insert this VLAN tag")
	fl.BoolVar(&f.eventQ, "event-queues", false, "arm completion queues instead of returning interrupt credits")
	fl.IntVar(&f.batch, "batch", 0, "packets per doorbell")
	fl.IntVar(&f.budget, "budget", 0, "receive completions per poll")
}

func (f *configFlags) apply(cmd *cobra.Command, conf *Config) {
	fl := cmd.Flags()
	if fl.Changed("queues") {
		conf.Queues = f.queues
	}
	if fl.Changed("descs") {
		conf.NumDescs = f.descs
	}
	if fl.Changed("count") {
		conf.Count = f.count
	}
	if fl.Changed("rate") {
		conf.Rate = f.rate
	}
	if fl.Changed("size") {
		conf.Traffic.Size = f.size
	}
	if fl.Changed("proto") {
		conf.Traffic.Proto = f.proto
	}
	if fl.Changed("tso") {
		conf.Traffic.TSO = f.tso
	}
	if fl.Changed("csum") {
		conf.Traffic.CsumOffload = f.csum
	}
	if fl.Changed("frags") {
		conf.Traffic.Frags = f.frags
	}
	if fl.Changed("vlan") {
		conf.Traffic.VLAN = f.vlan
	}
	if fl.Changed("event-queues") {
		conf.EventQueues = f.eventQ
	}
	if fl.Changed("batch") {
		conf.Batch = f.batch
	}
	if fl.Changed("budget") {
		conf.Budget = f.budget
	}
}

func (c *Config) validate() error {
	c.Traffic.Proto = strings.ToLower(c.Traffic.Proto)
	if c.Traffic.TSO {
		c.Traffic.Proto = "tcp"
	}
	if err := nic.CheckQueueSize(c.NumDescs); err != nil {
		return fmt.Errorf("num-descs %d: %w", c.NumDescs, err)
	}
	switch {
	case c.Queues < 1:
		return errors.New("queues must be > 0")
	case c.Granules < 0:
		return errors.New("granules must not be negative")
	case c.Batch < 1:
		return errors.New("batch must be > 0")
	case c.Budget < 1:
		return errors.New("budget must be > 0")
	case c.Traffic.Proto != "udp" && c.Traffic.Proto != "tcp":
		return fmt.Errorf("unsupported proto %q", c.Traffic.Proto)
	case c.Traffic.Frags < 0:
		return errors.New("traffic.frags must not be negative")
	case c.Traffic.VLAN > 0x0fff:
		return fmt.Errorf("traffic.vlan %d out of range", c.Traffic.VLAN)
	}
	if c.Traffic.TSO {
		ipLen := 20
		if c.Traffic.IPv6 {
			ipLen = 40
		}
		if c.Traffic.MSS < 64 || c.Traffic.MSS > c.MTU-ipLen-20 {
			return fmt.Errorf("traffic.mss %d does not fit mtu %d", c.Traffic.MSS, c.MTU)
		}
		if c.Traffic.Segments < 1 {
			return errors.New("traffic.segments must be > 0")
		}
		if c.Traffic.MSS*c.Traffic.Segments > 0xffff-128 {
			return errors.New("tso payload too large")
		}
		return nil
	}
	if lo, hi := minFrameLen(c.Traffic), c.MTU+nic.EthHeaderLen; c.Traffic.Size < lo || c.Traffic.Size > hi {
		return fmt.Errorf("traffic.size %d outside [%d, %d]", c.Traffic.Size, lo, hi)
	}
	return nil
}
