// Command trackcored is the trackcore ingestion daemon: it runs every
// protocol listener, the position pipeline, the alert engine, the command
// dispatcher and the dashboard broadcast hub in one process, wired together
// through a cobra root command in the style of cloupeer's controller-manager
// entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"trackcore/internal/alerts"
	"trackcore/internal/authn"
	"trackcore/internal/codec"
	"trackcore/internal/config"
	"trackcore/internal/dispatcher"
	"trackcore/internal/domain"
	"trackcore/internal/gateway"
	"trackcore/internal/hub"
	"trackcore/internal/metrics"
	"trackcore/internal/notify"
	"trackcore/internal/pipeline"
	"trackcore/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "trackcored",
		Short: "trackcore ingestion daemon",
		Long: "trackcored accepts device connections over TCP/UDP, evaluates alert rules against\n" +
			"live positions, dispatches downstream commands and serves the dashboard websocket hub.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/JSON/TOML config file (optional)")
	return root
}

func runServe(ctx context.Context, cfgFile string) error {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using process environment")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("trackcored: load config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("trackcored: build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, User: cfg.Postgres.User,
		Password: cfg.Postgres.Password, DBName: cfg.Postgres.DBName, MaxConns: cfg.Postgres.MaxConns,
		BatchSize: cfg.Postgres.BatchSize, FlushInterval: cfg.Postgres.FlushInterval, ChannelSize: cfg.Postgres.ChannelSize,
	}, log)
	if err != nil {
		return fmt.Errorf("trackcored: connect postgres: %w", err)
	}

	rdb, err := store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("trackcored: connect redis: %w", err)
	}

	db := store.New(pg, rdb)
	defer db.Close()

	router := notify.NewSchemeRouter(log)
	h := hub.New(log)
	notifier := &alertNotifier{channels: router, hub: h}

	engine := alerts.New(db, notifier, log)
	broadcast := pipeline.NewBroadcastDispatcher(cfg.Postgres.ChannelSize, 1000)
	pl := pipeline.New(db, engine, broadcast, log)

	registry := codec.NewRegistry()
	gw := gateway.New(registry, pl, log, mergeListeners(cfg), db)

	disp := dispatcher.New(db, gw.Sessions(), registry, log)

	auth := authn.New(db, cfg.Auth.CacheTTL, cfg.Auth.APIKeys)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { pg.RunPositionWriter(gctx); return nil })
	group.Go(func() error { return gw.Run(gctx) })
	group.Go(func() error { return disp.Run(gctx) })
	group.Go(func() error { h.RunPositions(gctx, broadcast.PositionChan); return nil })
	group.Go(func() error { return runHTTP(gctx, cfg.HTTP.Addr, h, auth, db, log) })

	log.Info("trackcored started", zap.String("http_addr", cfg.HTTP.Addr))
	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Error("trackcored exited with error", zap.Error(err))
		return err
	}
	log.Info("trackcored shutting down")
	return nil
}

// alertNotifier fans a fired alert out to configured channels and then
// republishes it to live dashboard subscribers so a browser tab doesn't
// have to poll.
type alertNotifier struct {
	channels notify.Dispatcher
	hub      *hub.Hub
}

func (n *alertNotifier) Notify(ctx context.Context, rule *domain.AlertRule, instance *domain.AlertInstance) {
	n.channels.Notify(ctx, rule, instance)
	n.hub.BroadcastAlert(instance)
}

// mergeListeners overlays cfg's per-protocol port overrides onto
// gateway.DefaultListeners; a zero override leaves a protocol's listeners
// (there can be more than one transport per protocol, e.g. H02 tcp+udp) at
// their stock port.
func mergeListeners(cfg *config.Config) []gateway.ListenerConfig {
	overrides := make(map[string]int, len(cfg.Listeners()))
	for _, o := range cfg.Listeners() {
		if o.Port > 0 {
			overrides[o.Protocol] = o.Port
		}
	}
	out := make([]gateway.ListenerConfig, len(gateway.DefaultListeners))
	copy(out, gateway.DefaultListeners)
	for i, l := range out {
		if port, ok := overrides[string(l.Protocol)]; ok {
			out[i].Port = port
		}
	}
	return out
}

// commandStore is the seam runHTTP's command-enqueue endpoint depends on.
type commandStore interface {
	InsertCommand(ctx context.Context, c *domain.Command) error
}

func runHTTP(ctx context.Context, addr string, h *hub.Hub, auth *authn.Authenticator, cs commandStore, log *zap.Logger) error {
	mw := authn.NewMiddleware(auth)

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/ws", mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceIDs := r.URL.Query()["device_id"]
		h.ServeWS(w, r, deviceIDs)
	})))
	r.Handle("/internal/commands", mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enqueueCommand(w, r, cs, log)
	}))).Methods(http.MethodPost)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			return err
		}
		return nil
	}
}

// commandRequest is the JSON body POST /internal/commands accepts to queue a
// downstream instruction for a device; the dispatcher picks it up on its
// next poll.
type commandRequest struct {
	DeviceID   string `json:"device_id"`
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	MaxRetries int    `json:"max_retries"`
}

func enqueueCommand(w http.ResponseWriter, r *http.Request, cs commandStore, log *zap.Logger) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" || req.Type == "" {
		http.Error(w, `{"error":"device_id and type are required"}`, http.StatusBadRequest)
		return
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	cmd := &domain.Command{
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		Type:       req.Type,
		Payload:    req.Payload,
		Status:     domain.CommandPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := cs.InsertCommand(r.Context(), cmd); err != nil {
		log.Error("enqueue command failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		http.Error(w, `{"error":"failed to enqueue command"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": cmd.ID})
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
