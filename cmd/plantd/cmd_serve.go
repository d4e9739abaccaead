package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"line-plant/pkg/api"
	"line-plant/pkg/db"
	"line-plant/pkg/editor"
	"line-plant/pkg/grid"
	"line-plant/pkg/journal"
	"line-plant/pkg/metrics"
	"line-plant/pkg/store"
	"line-plant/pkg/topology"
	"line-plant/pkg/util"
	"line-plant/pkg/version"
)

type serveOptions struct {
	addr         string
	token        string
	storeType    string
	consulAddr   string
	consulPrefix string
	nodesFile    string
	journalPath  string
	refresh      time.Duration
	debounce     time.Duration
	tls          api.TLSOptions
}

func newServeCmd() *cobra.Command {
	_ = loadDotEnv()
	o := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the HTTP service.

Stores:
  memory   in-process, lost on exit
  sql      gorm backend chosen by PLANT_DB_DRIVER (sqlite or mysql), see .env
  consul   Consul KV (binary built with -tags consul)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", getenv("PLANT_ADDR", ":8080"), "listen address")
	f.StringVar(&o.token, "token", os.Getenv("PLANT_TOKEN"), "shared API token (optional)")
	f.StringVar(&o.storeType, "store", getenv("PLANT_STORE", "memory"), "store backend: memory|sql|consul")
	f.StringVar(&o.consulAddr, "consul-addr", getenv("CONSUL_HTTP_ADDR", "127.0.0.1:8500"), "consul address (store=consul)")
	f.StringVar(&o.consulPrefix, "consul-prefix", "line-plant", "consul KV prefix (store=consul)")
	f.StringVar(&o.nodesFile, "nodes", "", "YAML node directory to load into the store at startup")
	f.StringVar(&o.journalPath, "journal", getenv("PLANT_JOURNAL", "plant-audit.db"), "SQLite audit journal path")
	f.DurationVar(&o.refresh, "refresh", time.Minute, "node directory refresh interval (0 disables)")
	f.DurationVar(&o.debounce, "lookup-debounce", grid.DefaultDebounce, "consumer unit lookup debounce")
	f.StringVar(&o.tls.CertFile, "tls-cert", "", "TLS cert path (enables HTTPS with --tls-key)")
	f.StringVar(&o.tls.KeyFile, "tls-key", "", "TLS key path (enables HTTPS with --tls-cert)")
	f.StringVar(&o.tls.ClientCA, "client-ca", "", "require and verify client certs using this CA (optional)")
	return cmd
}

func serve(ctx context.Context, o serveOptions) error {
	st, gdb, err := openStore(o)
	if err != nil {
		return err
	}
	if o.nodesFile != "" {
		if err := seedNodes(ctx, st, o.nodesFile); err != nil {
			return err
		}
	}
	nodes, err := st.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	holder := topology.NewHolder(topology.NewSnapshot(nodes))

	j, err := journal.Open(ctx, o.journalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	m, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	hub := api.NewEventHub()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Store:   st,
		Nodes:   holder,
		Editor:  editor.New(st, holder, editor.WithAuditor(j), editor.WithNotifier(hub), editor.WithMetrics(m)),
		Grid:    grid.New(st, holder, grid.WithAuditor(j), grid.WithMetrics(m), grid.WithDebounce(o.debounce)),
		Journal: j,
		Metrics: m,
		Hub:     hub,
		DB:      gdb,
		Token:   o.token,
	})

	if o.refresh > 0 {
		go refreshNodes(ctx, st, holder, o.refresh)
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	util.WithFields(map[string]interface{}{
		"addr":    o.addr,
		"store":   o.storeType,
		"nodes":   len(nodes),
		"version": version.String(),
	}).Info("plantd listening")

	if o.tls.Enabled() {
		cfg, err := api.ServerTLSConfig(o.tls)
		if err != nil {
			return fmt.Errorf("failed to build TLS config: %w", err)
		}
		srv.TLSConfig = cfg
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func openStore(o serveOptions) (store.Store, *gorm.DB, error) {
	switch o.storeType {
	case "memory":
		return store.NewMemory(), nil, nil
	case "sql":
		cfg := db.ConfigFromEnv()
		gdb, err := db.Open(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
		}
		return db.NewStore(gdb), gdb, nil
	case "consul":
		st, err := store.NewConsulStore(o.consulAddr, o.consulPrefix)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", o.storeType)
	}
}

func seedNodes(ctx context.Context, st store.NodeDirectory, path string) error {
	nodes, err := topology.LoadDirectory(path)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := st.UpsertNode(ctx, n); err != nil {
			return fmt.Errorf("seed node %s: %w", n.ID, err)
		}
	}
	util.WithField("file", path).Infof("seeded %d nodes", len(nodes))
	return nil
}

// refreshNodes republishes the node snapshot so edits made by other
// instances sharing the store become visible.
func refreshNodes(ctx context.Context, st store.NodeDirectory, holder *topology.Holder, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nodes, err := st.ListNodes(ctx)
			if err != nil {
				util.WithError(err).Warn("node refresh failed")
				continue
			}
			holder.Store(topology.NewSnapshot(nodes))
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
