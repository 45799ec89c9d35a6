package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/aggregator"
	"github.com/mantragw/mantra-gateway/internal/atomicfs"
	"github.com/mantragw/mantra-gateway/internal/config"
	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/gateway"
	"github.com/mantragw/mantra-gateway/internal/ipc"
	"github.com/mantragw/mantra-gateway/internal/logging"
	"github.com/mantragw/mantra-gateway/internal/oauth"
	"github.com/mantragw/mantra-gateway/internal/policy"
	"github.com/mantragw/mantra-gateway/internal/process"
	"github.com/mantragw/mantra-gateway/internal/router"
	"github.com/mantragw/mantra-gateway/internal/takeover"
	"github.com/mantragw/mantra-gateway/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var flagPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("json", true)
			if err != nil {
				return err
			}
			defer logging.Close()
			if cmd.Flags().Changed("port") {
				cfg.Port = flagPort
				cfg.PortExplicit = true
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVar(&flagPort, "port", config.DefaultPort, "gateway listen port")
	return cmd
}

// sessionSink mirrors gateway sessions into the audit table.
type sessionSink struct {
	store *db.DB
}

func (s sessionSink) UpsertSessionRecord(id, projectContext, state, protocolVersion string, createdAt, lastActivity time.Time) {
	_ = s.store.UpsertSession(db.SessionRecord{
		ID:                        id,
		ProjectContext:            projectContext,
		CreatedAt:                 createdAt,
		LastActivity:              lastActivity,
		State:                     state,
		NegotiatedProtocolVersion: protocolVersion,
	})
}

func (s sessionSink) DeleteSessionRecord(id string) {
	_ = s.store.DeleteSession(id)
}

func runServe(cfg *config.Config) error {
	cfg.LogSummary()

	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.ClearSessions(); err != nil {
		log.Warn().Err(err).Msg("session audit table reset failed")
	}

	cm, err := crypto.NewCryptoManagerAt(cfg.DataDir)
	if err != nil {
		return err
	}
	tokenStore, err := crypto.NewTokenStoreAt(cfg.DataDir)
	if err != nil {
		return err
	}

	if cfg.Token == "" {
		cfg.Token = generateToken()
		log.Warn().Msg("no MANTRA_GATEWAY_TOKEN configured, generated an ephemeral one")
	}

	registry := adapters.NewRegistry()
	executor := takeover.NewExecutor(store, registry)
	lookup := ipc.EnvLookup(store, cm)

	oauthMgr := oauth.NewManager(store, tokenStore, oauthConfigSource(store))
	procs := process.NewManager()
	pool := transport.NewPool()

	dispatcher := aggregator.NewTransportDispatcher(procs, pool, oauthMgr, oauthMgr, oauthMgr.HasToken, lookup)
	aggregator.SetClientVersion(version)
	agg := aggregator.New(dispatcher, store)

	services, err := store.ListServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		agg.RegisterService(svc)
	}
	agg.WarmStart()

	resolver := policy.NewResolver(store)
	ctxRouter, lpmClient := router.New(store)
	sessions := gateway.NewSessionTable(sessionSink{store: store})

	manager := gateway.NewServerManager(func() *gateway.Server {
		return gateway.NewServer(gateway.Options{
			Token:      cfg.Token,
			StrictMode: cfg.StrictMode,
			Version:    version,
			Aggregator: agg,
			LPM:        lpmClient,
			Policies:   resolver.GetPolicies,
			Sessions:   sessions,
		})
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ctxRouter.Run(rootCtx)
	go procs.RunReaper(rootCtx)
	go oauthMgr.RunFlowReaper(rootCtx)
	go agg.RunStaleSweeper(rootCtx)

	port, err := manager.Start(cfg.Port, cfg.PortExplicit)
	if err != nil {
		return err
	}

	// Re-emit gateway injection whenever the bound port changes, so every
	// taken-over config keeps pointing at a live endpoint.
	ipcDeps := ipc.Deps{
		DB:         store,
		Crypto:     cm,
		Registry:   registry,
		Executor:   executor,
		Aggregator: agg,
		Procs:      procs,
		OAuth:      oauthMgr,
		Endpoint: func() takeover.GatewayEndpoint {
			return takeover.GatewayEndpoint{
				URL:   fmt.Sprintf("http://127.0.0.1:%d/mcp", manager.Port()),
				Token: cfg.Token,
			}
		},
	}
	ipcDispatcher := ipc.NewDispatcher(ipcDeps)
	go func() {
		socket := filepath.Join(cfg.DataDir, "ipc.sock")
		if err := ipc.ServeUnix(rootCtx, socket, ipcDispatcher); err != nil {
			log.Warn().Err(err).Msg("ipc bridge stopped")
		}
	}()
	go reinjectOnPortChange(rootCtx, manager, store, registry, ipcDeps.Endpoint)

	// Reload the log level when the .env file changes on disk.
	if watcher, err := config.NewWatcher(func(string) {
		if updated, err := config.Load(cfg.DataDir); err == nil {
			log.Info().Str("level", updated.LogLevel).Msg("configuration changed, applying log level")
			logging.Init(logging.Config{Level: updated.LogLevel, Format: "json", Component: "gatewayd", File: cfg.LogFilePath()})
		}
	}); err == nil {
		_ = watcher.Add(filepath.Join(cfg.DataDir, ".env"))
		go watcher.Run(rootCtx)
	}

	go agg.RefreshAll(rootCtx)

	log.Info().Int("port", port).Msg("gateway ready")
	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	procs.StopAll()
	return nil
}

// reinjectOnPortChange rewrites every active takeover's injected endpoint
// when the gateway moves to a new port.
func reinjectOnPortChange(ctx context.Context, manager *gateway.ServerManager, store *db.DB,
	registry *adapters.Registry, endpoint func() takeover.GatewayEndpoint) {
	ports := manager.Subscribe()
	var last int
	for {
		select {
		case <-ctx.Done():
			return
		case port := <-ports:
			if port == last {
				continue
			}
			if last != 0 {
				reinjectActiveTakeovers(store, registry, endpoint())
			}
			last = port
		}
	}
}

func reinjectActiveTakeovers(store *db.DB, registry *adapters.Registry, ep takeover.GatewayEndpoint) {
	active, err := store.ListActiveBackups("")
	if err != nil {
		log.Warn().Err(err).Msg("reinjection listing failed")
		return
	}
	for _, b := range active {
		if b.Scope == db.ScopeLocal {
			continue // local scope clears rather than injects
		}
		adapter, ok := registry.Get(b.ToolType)
		if !ok {
			continue
		}
		content, err := os.ReadFile(b.OriginalPath)
		if err != nil {
			continue
		}
		injected, err := adapter.InjectGateway(content, adapters.InjectOptions{URL: ep.URL, Token: ep.Token})
		if err != nil {
			log.Warn().Err(err).Str("path", b.OriginalPath).Msg("reinjection failed")
			continue
		}
		if _, err := atomicfs.AtomicWrite(b.OriginalPath, injected); err != nil {
			log.Warn().Err(err).Str("path", b.OriginalPath).Msg("reinjection write failed")
		}
	}
}

func generateToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("gatewayd: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// oauthConfigSource resolves a service's OAuth client settings from its
// stored headers blob (reserved key, JSON-encoded oauth.Config).
func oauthConfigSource(store *db.DB) oauth.ConfigSource {
	return func(serviceID string) (*oauth.Config, error) {
		svc, err := store.GetService(serviceID)
		if err != nil {
			return nil, err
		}
		return oauth.ConfigFromService(svc)
	}
}
