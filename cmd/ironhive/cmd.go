package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ironhive/ironhive/catalog"
	"github.com/ironhive/ironhive/cmd/ironhive/flag"
	"github.com/ironhive/ironhive/fleet"
	"github.com/ironhive/ironhive/inband"
	"github.com/ironhive/ironhive/pkg/http/server"
	"github.com/ironhive/ironhive/store"
	"github.com/ironhive/ironhive/workflow"
)

func Execute(ctx context.Context, args []string) error {
	globals := &flag.GlobalConfig{
		StorePath:   "ironhive.db",
		CatalogPath: "catalog.yaml",
		Fleet:       flag.FleetConfig{URL: &url.URL{}},
		SSH: flag.SSHConfig{
			User:    "root",
			Port:    22,
			Timeout: 10 * time.Second,
		},
		BMC: flag.BMCConfig{Port: 623},
	}
	pc := &flag.ProvisionConfig{}
	bc := &flag.BoardConfig{}
	sc := &flag.ServersConfig{}

	// order here determines the help output.
	gfs := ff.NewFlagSet("globals")
	pfs := ff.NewFlagSet("provision").SetParent(gfs)
	bfs := ff.NewFlagSet("board").SetParent(gfs)
	sfs := ff.NewFlagSet("servers").SetParent(gfs)
	flag.RegisterGlobal(&flag.Set{FlagSet: gfs}, globals)
	flag.RegisterProvisionFlags(&flag.Set{FlagSet: pfs}, pc)
	flag.RegisterBoardFlags(&flag.Set{FlagSet: bfs}, bc)
	flag.RegisterServersFlags(&flag.Set{FlagSet: sfs}, sc)

	cli := &ff.Command{
		Name:     "ironhive",
		Usage:    "ironhive [flags] <subcommand>",
		LongHelp: "Bare-metal provisioning against a fleet controller.",
		Flags:    gfs,
		Subcommands: []*ff.Command{
			{
				Name:      "provision",
				Usage:     "ironhive provision [flags]",
				ShortHelp: "run one provisioning workflow",
				Flags:     pfs,
				Exec: func(ctx context.Context, _ []string) error {
					return runProvision(ctx, globals, pc)
				},
			},
			{
				Name:      "board",
				Usage:     "ironhive board [flags]",
				ShortHelp: "run the acceptance checks against one server",
				Flags:     bfs,
				Exec: func(ctx context.Context, _ []string) error {
					return runBoard(ctx, globals, bc)
				},
			},
			{
				Name:      "servers",
				Usage:     "ironhive servers [flags]",
				ShortHelp: "list servers with a verified in-band address",
				Flags:     sfs,
				Exec: func(ctx context.Context, _ []string) error {
					return runServers(ctx, globals, sc)
				},
			},
		},
	}

	if err := cli.Parse(args, ff.WithEnvVarPrefix("IRONHIVE")); err != nil {
		selected := cli.GetSelected()
		if selected == nil {
			selected = cli
		}
		e := errors.New(ffhelp.Command(selected).String())
		if !errors.Is(err, ff.ErrHelp) {
			e = fmt.Errorf("%w\n%s", e, err)
		}
		return e
	}

	if err := cli.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrNoExec) {
			return errors.New(ffhelp.Command(cli).String())
		}
		return err
	}
	return nil
}

// services is everything wired once per invocation: logger, store,
// catalog, and the metrics registry behind the admin listener.
type services struct {
	log     logr.Logger
	store   *store.Store
	catalog *catalog.Catalog
	reg     *prometheus.Registry
	metrics *workflow.Metrics
}

// withServices opens the shared collaborators, starts the optional admin
// listener and catalog watcher, runs fn, and tears everything down.
func withServices(ctx context.Context, gc *flag.GlobalConfig, fn func(context.Context, *services) error) error {
	log := getLogger(gc.LogLevel)
	log.Info("starting ironhive",
		"version", gitRevision(),
		"store", gc.StorePath,
		"catalog", gc.CatalogPath,
		"adminEnabled", gc.AdminAddr.IsValid(),
		"watchCatalog", gc.WatchCatalog,
	)

	st, err := store.Open(ctx, gc.StorePath, store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("opening store %s: %w", gc.StorePath, err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	svc := &services{
		log:     log,
		store:   st,
		catalog: catalog.New(gc.CatalogPath, catalog.WithLogger(log)),
		reg:     reg,
		metrics: workflow.NewMetrics(reg),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := errgroup.Group{}
	if gc.AdminAddr.IsValid() {
		cfg := server.NewConfig(func(c *server.Config) {
			c.BindAddr = gc.AdminAddr.Addr().String()
			c.BindPort = int(gc.AdminAddr.Port())
		})
		handler := server.Handler(log, reg, time.Now())
		eg.Go(func() error {
			return cfg.Serve(runCtx, log.WithValues("service", "admin"), handler)
		})
	}
	if gc.WatchCatalog {
		eg.Go(func() error {
			return svc.catalog.Watch(runCtx)
		})
	}

	err = fn(runCtx, svc)
	cancel()
	if werr := eg.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		if err == nil {
			err = werr
		} else {
			log.V(1).Info("background service error", "error", werr.Error())
		}
	}
	return err
}

func newFleetClient(gc *flag.GlobalConfig, log logr.Logger) (*fleet.Client, error) {
	consumer, token, secret, err := fleet.ParseAPIKey(gc.Fleet.APIKey)
	if err != nil {
		return nil, err
	}
	cfg := fleet.NewConfig(fleet.Config{
		BaseURL:     gc.Fleet.URL.String(),
		ConsumerKey: consumer,
		TokenKey:    token,
		TokenSecret: secret,
		Timeout:     gc.Fleet.Timeout,
	})
	return fleet.New(cfg, fleet.WithLogger(log))
}

func sshConfig(gc *flag.GlobalConfig) inband.Config {
	return inband.Config{
		User:     gc.SSH.User,
		Port:     gc.SSH.Port,
		KeyPath:  gc.SSH.KeyPath,
		Password: gc.SSH.Password,
		Timeout:  gc.SSH.Timeout,
	}
}
