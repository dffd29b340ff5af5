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

	"github.com/spf13/cobra"

	"github.com/agentry/partyline/pkg/api"
	"github.com/agentry/partyline/pkg/bridge"
	"github.com/agentry/partyline/pkg/delivery"
	"github.com/agentry/partyline/pkg/events"
	"github.com/agentry/partyline/pkg/identity"
	"github.com/agentry/partyline/pkg/janitor"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/metrics"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// snapshotEvery is how often the gauge collector rescans the pool.
const snapshotEvery = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Claim an agent id and serve the bus tools over stdio",
	Long: `Serve joins the pool as one agent: it claims a fresh 3-digit id,
heartbeats it, runs the janitor loop, and exposes get_status, send, recv
and rename as MCP tools on stdin/stdout.

Stdout carries the MCP stream, so all logging goes to stderr. The process
leaves the pool cleanly on SIGINT/SIGTERM or when stdin closes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Expose /metrics and /health on this address (overrides config)")
	serveCmd.Flags().Bool("log-console", false, "Human-readable stderr logs instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if console, _ := cmd.Flags().GetBool("log-console"); console {
		cfg.LogJSON = false
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	root, wiped, err := preparePool(cfg)
	if err != nil {
		return err
	}

	st, err := storage.Open(root, cfg.Variant, cfg.Timings)
	if err != nil {
		return fmt.Errorf("failed to open pool store: %w", err)
	}
	defer st.Close()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, string(cfg.Variant))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	go logEvents(sub)
	if wiped {
		broker.Emit(types.EventPoolWiped, "", root)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := identity.NewSession(identity.Config{
		Store:               st,
		Timings:             cfg.Timings,
		AllowReservedRename: cfg.AllowReservedRename,
	})
	if err := sess.Claim(ctx); err != nil {
		return fmt.Errorf("failed to claim agent id: %w", err)
	}
	sess.StartHeartbeat()
	metrics.RegisterComponent("identity", true, sess.ID())
	logger.Info().
		Str("agent_id", sess.ID()).
		Str("root", root).
		Str("variant", string(cfg.Variant)).
		Msg("joined pool")

	exchange := delivery.NewExchange(st, cfg.Timings, nil)

	jan := janitor.New(janitor.Config{
		Store:          st,
		Session:        sess,
		Exchange:       exchange,
		Timings:        cfg.Timings,
		Broker:         broker,
		DeadlockAlerts: cfg.DeadlockAlerts,
	})
	jan.Start()
	metrics.RegisterComponent("janitor", true, "running")

	br := bridge.New(bridge.Config{
		Store:    st,
		Session:  sess,
		Exchange: exchange,
		Janitor:  jan,
		Timings:  cfg.Timings,
	})

	collector := metrics.NewCollector(br.Snapshot, snapshotEvery)
	collector.Start()

	var httpSrv *http.Server
	if cfg.MetricsAddr != "" {
		httpSrv = serveMetrics(cfg.MetricsAddr)
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	err = api.NewServer(br, Version).ServeStdio(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("stdio transport failed")
	}

	// Shutdown: stop background loops, then leave the pool so peers see us
	// go instead of waiting out the heartbeat TTL.
	logger.Info().Str("agent_id", sess.ID()).Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jan.Stop()
	collector.Stop()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutCtx)
	}
	if err := sess.Close(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("unclean session close; the reaper will collect the record")
	}
	broker.Unsubscribe(sub)
	return nil
}

// logEvents forwards broker events to the structured log until the
// subscription is closed.
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Info().
			Str("event", string(ev.Type)).
			Str("agent_id", ev.AgentID).
			Msg(ev.Message)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	return srv
}
