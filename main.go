package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/stevemurr/retrondb/config"
	"github.com/stevemurr/retrondb/format"
	"github.com/stevemurr/retrondb/retron"
	"github.com/stevemurr/retrondb/store"
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	configPath string
	collection string
	format     string

	cfg      config.Config
	logger   *slog.Logger
	store    store.Store
	gk       *retron.Gatekeeper
	registry *prometheus.Registry

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) (*cobra.Command, *app) {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "retrondb",
		Short: "A schema-light retron store with CSV import and export",
		Long: `retrondb stores retron records keyed by "node". A record may only carry
properties the collection already holds unless --allow-new is given.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.open,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", os.Getenv("RETRONDB_CONFIG"), "path to a YAML config file")
	pf.StringVarP(&a.collection, "collection", "c", "", "collection name (default from config)")
	pf.StringVarP(&a.format, "format", "f", "dict", "output format: raw, json, dict or table")

	root.AddCommand(
		a.serveCmd(),
		a.addCmd(),
		a.updateCmd(),
		a.removeCmd(),
		a.removeByCmd(),
		a.findCmd(),
		a.propertiesCmd(),
		a.importCmd(),
		a.exportCmd(),
		a.restoreCmd(),
		a.pingCmd(),
	)
	return root, a
}

// open loads the config and connects to the store.
func (a *app) open(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.collection == "" {
		a.collection = cfg.Collection
	}
	if _, err := format.Parse(a.format); err != nil {
		return err
	}
	a.logger = config.NewLogger(cfg.Log, a.errOut)

	s, err := store.New(cmd.Context(), cfg.Store, a.logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	a.store = s

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.gk = retron.NewGatekeeper(s,
		retron.WithLogger(a.logger),
		retron.WithMetrics(retron.NewMetrics(a.registry)),
		retron.WithRescan(cfg.Schema.Rescan),
	)
	a.logger.Debug("store opened", "backend", cfg.Store.Backend, "collection", a.collection)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// run executes one command line and always releases the store.
func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	root, a := newRootCmd(out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
