// Command nicbench pushes generated traffic through the data path: queue
// pairs on a software device whose wire is either looped back or an AF_XDP
// socket on a real interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/romshark/ionic-go/qstats"
)

type globalFlags struct {
	logLevel      string
	logFormat     string
	metricsListen string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "nicbench",
		Short:         "Benchmark the NIC data path",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: "+fmt.Sprint(logrus.AllLevels))
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&g.metricsListen, "metrics-listen", "", "serve prometheus metrics on this address")

	root.AddCommand(newLoopbackCmd(g), newXDPCmd(g))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (g *globalFlags) logger(out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)
	lvl, err := logrus.ParseLevel(strings.ToLower(g.logLevel))
	if err != nil {
		return nil, fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(g.logFormat) {
	case "text":
		l.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}
	case "json":
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", g.logFormat, []string{"text", "json"})
	}
	return l, nil
}

// loadConfig resolves the run configuration from the config file and the
// flags set on cmd.
func (f *configFlags) load(cmd *cobra.Command) (Config, error) {
	conf, err := loadConfig(f.file)
	if err != nil {
		return conf, err
	}
	f.apply(cmd, &conf)
	if err := conf.validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func printConfig(w io.Writer, conf Config) error {
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, err = fmt.Fprintf(w, "FINAL CONFIG:\n%s\n", b)
	return err
}

// serveMetrics exposes the rig's counters until ctx is done. It does
// nothing without a listen address.
func serveMetrics(ctx context.Context, eg *errgroup.Group, listen string, r *rig) error {
	if listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	c := qstats.NewCollector("ionic")
	for name, src := range r.Sources() {
		c.Add(name, src)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(c, collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: r.log}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	r.log.WithField("listen", ln.Addr().String()).Info("serving metrics at /metrics")
	eg.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}

// run starts the rig and drives every queue from its own goroutine. After
// the workers finish, it prints the report to out.
func (r *rig) run(ctx context.Context, out io.Writer, metricsListen string, linger time.Duration) error {
	if err := r.start(); err != nil {
		return err
	}

	// Metrics outlive the workers until the run is over.
	srvCtx, stopSrv := context.WithCancel(ctx)
	defer stopSrv()
	var srvGroup errgroup.Group
	if err := serveMetrics(srvCtx, &srvGroup, metricsListen, r); err != nil {
		return err
	}

	before := qstats.Snapshot(r.Sources())
	start := time.Now()

	progCtx, stopProg := context.WithCancel(ctx)
	progDone := make(chan struct{})
	go func() {
		defer close(progDone)
		progress(progCtx, out, r)
	}()

	eg, wctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		eg.Go(func() error { return w.run(wctx, linger) })
	}
	err := eg.Wait()
	elapsed := time.Since(start)
	stopProg()
	<-progDone
	if err != nil {
		return err
	}

	if err := report(out, r, before, elapsed); err != nil {
		return err
	}
	stopSrv()
	return srvGroup.Wait()
}
