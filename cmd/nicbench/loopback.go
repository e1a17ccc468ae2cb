package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/romshark/ionic-go/softnic"
)

func newLoopbackCmd(g *globalFlags) *cobra.Command {
	var f configFlags
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Send generated traffic through a software device wired back onto itself",
		Long: "Every queue pair transmits generated packets. The device applies the " +
			"transmit offloads and receives each frame again on the same queue, " +
			"so both paths run at full load without a network.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := f.load(cmd)
			if err != nil {
				return err
			}
			if conf.Count == 0 {
				return errors.New("count must be > 0")
			}
			log, err := g.logger(os.Stderr)
			if err != nil {
				return err
			}
			if err := printConfig(os.Stderr, conf); err != nil {
				return err
			}

			r, err := newRig(&conf, log)
			if err != nil {
				return err
			}
			r.out = softnic.Loopback(r.dev)

			runErr := r.run(cmd.Context(), os.Stderr, g.metricsListen, 0)
			if err := r.Close(); err != nil {
				return errors.Join(runErr, fmt.Errorf("closing: %w", err))
			}
			return runErr
		},
	}
	f.register(cmd)
	return cmd
}
