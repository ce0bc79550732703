// main implements the CLI entry point for the MCP gateway.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mcpgw/gateway/internal/config"
	"github.com/mcpgw/gateway/internal/gateway"
	"github.com/mcpgw/gateway/internal/proxy"
	"github.com/mcpgw/gateway/internal/service"
	"github.com/mcpgw/gateway/internal/sseengine"
)

var (
	registry = config.NewRegistry()
	mutex    sync.RWMutex
	logger   = slog.New(slog.NewTextHandler(os.Stdout, nil))
)

// autoRecoveryInterval is how often the proxy manager's background
// auto-recovery sweep runs.
const autoRecoveryInterval = 30 * time.Second

func main() {
	var (
		addrFlag             string
		configFile           string
		loglevel             int
		logFormat            string
		trustedHeaderPubKey  string
		enforceTrustedHeader bool
	)
	flag.StringVar(&addrFlag, "mcp-gateway-address", "0.0.0.0:8080", "The address the gateway listens on")
	flag.StringVar(&configFile, "mcp-gateway-config", "./config/mcp-system/config.yaml", "where to locate the gateway config")
	flag.IntVar(&loglevel, "log-level", int(slog.LevelInfo), "set the log level 0=info, 4=warn, 8=error and -4=debug")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.StringVar(&trustedHeaderPubKey, "trusted-header-public-key-file", "", "PEM-encoded ES256 public key validating the x-authorized-tools header")
	flag.BoolVar(&enforceTrustedHeader, "enforce-trusted-header", false, "reject tools/list and tools/call that carry no x-authorized-tools header")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.Level(loglevel))
	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	svcs := service.New(logger)
	proxies := proxy.New(svcs, logger)
	if trustedHeaderPubKey != "" {
		pem, err := os.ReadFile(trustedHeaderPubKey)
		if err != nil {
			log.Fatalf("read trusted header public key: %v", err)
		}
		proxies.TrustedHeaderFilter = &proxy.TrustedHeaderFilter{
			PublicKeyPEM: string(pem),
			Enforce:      enforceTrustedHeader,
		}
	}

	registry.RegisterObserver(&serviceReconciler{svcs: svcs, logger: logger})
	registry.RegisterObserver(&proxyReconciler{proxies: proxies, logger: logger})

	if err := loadAndNotify(ctx, configFile); err != nil {
		log.Fatalf("load config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(in fsnotify.Event) {
		logger.Info("gateway config changed", "config file", in.Name)
		mutex.Lock()
		defer mutex.Unlock()
		// A broken reload keeps the last good configuration running.
		if err := loadAndNotify(ctx, configFile); err != nil {
			logger.Error("reload config failed", "error", err)
		}
	})

	proxies.AutoStartAll(ctx)
	go proxies.RunAutoRecovery(ctx, autoRecoveryInterval)

	sessions := sseengine.New(proxies, registry.RateLimit(), registry.Heartbeat(), registry.Cleanup(), logger)
	defer sessions.Close()
	go sessions.RunCleanupLoop(ctx)

	gw := gateway.New(proxies, sessions, logger)
	httpSrv := &http.Server{
		Addr:         addrFlag,
		Handler:      gw.Mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE streams are held open indefinitely
	}

	go func() {
		logger.Info("starting MCP gateway", "listening", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway listen error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down MCP gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway shutdown error: %v; ignoring", err)
	}
}

// loadAndNotify reads configFile via viper and pushes the result into the
// shared registry, which in turn notifies the service and proxy
// reconcilers.
func loadAndNotify(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	registry.Replace(cfg)
	registry.Notify(ctx)
	return nil
}

// serviceReconciler applies registry changes to the service manager:
// add-or-update every configured service, remove any no longer present.
type serviceReconciler struct {
	svcs   *service.Manager
	logger *slog.Logger
}

func (r *serviceReconciler) OnConfigChange(ctx context.Context, reg *config.Registry) {
	seen := map[string]bool{}
	for _, cfg := range reg.Services() {
		seen[cfg.Name] = true
		if err := r.svcs.Update(ctx, cfg.Name, cfg); err != nil {
			r.logger.Warn("reconcile service failed", "service", cfg.Name, "error", err)
			continue
		}
		if cfg.AutoStart {
			if err := r.svcs.Start(ctx, cfg.Name); err != nil {
				r.logger.Warn("auto-start service failed", "service", cfg.Name, "error", err)
			}
		}
	}
	for _, inst := range r.svcs.List() {
		if !seen[inst.Config.Name] {
			r.svcs.Remove(inst.Config.Name)
		}
	}
}

// proxyReconciler applies registry changes to the proxy manager: add-or-update
// every configured proxy, remove any no longer present, start whichever are
// configured with AutoStart.
type proxyReconciler struct {
	proxies *proxy.Manager
	logger  *slog.Logger
}

func (r *proxyReconciler) OnConfigChange(ctx context.Context, reg *config.Registry) {
	seen := map[string]bool{}
	for _, cfg := range reg.Proxies() {
		seen[cfg.Name] = true
		if err := r.proxies.Update(ctx, cfg.Name, cfg); err != nil {
			r.logger.Warn("reconcile proxy failed", "proxy", cfg.Name, "error", err)
		}
	}
	for _, inst := range r.proxies.List() {
		if !seen[inst.Config.Name] {
			r.proxies.Remove(inst.Config.Name)
		}
	}
	r.proxies.AutoStartAll(ctx)
}
