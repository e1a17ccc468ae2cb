package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues: 4
num-descs: 256
count: 1000
traffic:
  proto: TCP
  size: 1000
  vlan: 5
`), 0o644))

	var f configFlags
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "--count", "42", "--frags", "3"}))

	conf, err := f.load(cmd)
	require.NoError(t, err)
	require.Equal(t, 4, conf.Queues)
	require.Equal(t, 256, conf.NumDescs)
	require.Equal(t, uint64(42), conf.Count, "flag overrides file")
	require.Equal(t, "tcp", conf.Traffic.Proto)
	require.Equal(t, 1000, conf.Traffic.Size)
	require.Equal(t, uint16(5), conf.Traffic.VLAN)
	require.Equal(t, 3, conf.Traffic.Frags)
	require.Equal(t, 32, conf.Batch, "default kept")
}

func TestConfigValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{name: "defaults", modify: func(*Config) {}, ok: true},
		{name: "descs not power of 2", modify: func(c *Config) { c.NumDescs = 100 }},
		{name: "no queues", modify: func(c *Config) { c.Queues = 0 }},
		{name: "bad proto", modify: func(c *Config) { c.Traffic.Proto = "sctp" }},
		{name: "frame too small", modify: func(c *Config) { c.Traffic.Size = 30 }},
		{name: "frame too large", modify: func(c *Config) { c.Traffic.Size = 1600 }},
		{name: "vlan out of range", modify: func(c *Config) { c.Traffic.VLAN = 5000 }},
		{name: "tso", modify: func(c *Config) { c.Traffic.TSO = true }, ok: true},
		{name: "tso mss too large", modify: func(c *Config) {
			c.Traffic.TSO, c.Traffic.MSS = true, 1460
			c.Traffic.IPv6 = true
		}},
		{name: "tso payload too large", modify: func(c *Config) {
			c.Traffic.TSO, c.Traffic.Segments = true, 100
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.modify(&c)
			err := c.validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	c := defaultConfig()
	c.Traffic.TSO = true
	require.NoError(t, c.validate())
	require.Equal(t, "tcp", c.Traffic.Proto, "tso implies tcp")
}
