//go:build !linux

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newXDPCmd(*globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "xdp",
		Short: "Run the software device with its wire on AF_XDP sockets (linux only)",
		RunE: func(*cobra.Command, []string) error {
			return errors.New("AF_XDP requires linux")
		},
	}
}
