package qstats

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/romshark/ionic-go/nic"
)

// PhyCounters are the mlx5 port counters worth watching next to an AF_XDP
// run. Other drivers name them differently.
var PhyCounters = []string{
	"rx_packets_phy", "rx_bytes_phy",
	"tx_packets_phy", "tx_bytes_phy",
	"rx_discards_phy", "rx_xdp_redirect",
}

// ReadEthtool runs ethtool -S on iface and returns the named counters.
// Counters the driver does not report are zero. Without names every
// counter is returned.
func ReadEthtool(ctx context.Context, iface string, names ...string) (nic.Counters, error) {
	out, err := exec.CommandContext(ctx, "ethtool", "-S", iface).Output()
	if err != nil {
		return nil, fmt.Errorf("ethtool -S %s: %w", iface, err)
	}
	return parseEthtool(out, names)
}

func parseEthtool(out []byte, names []string) (nic.Counters, error) {
	var want map[string]bool
	if len(names) > 0 {
		want = make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
	}

	found := make(nic.Counters, len(names))
	for _, n := range names {
		found[n] = 0
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		// "NIC statistics:" header and "     rx_packets: 12" lines.
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" || (want != nil && !want[key]) {
			continue
		}
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", key, err)
		}
		found[key] = v
	}
	return found, sc.Err()
}
