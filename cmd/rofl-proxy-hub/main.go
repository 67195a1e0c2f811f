// Command rofl-proxy-hub runs the scheduler-side half of the edge proxy: a
// public HTTPS listener that routes by SNI to per-instance WireGuard
// tunnels, a WireGuard hub interface, and the provisioning core that wires
// the two together as instances come and go.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/domainverify"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/dnsresolve"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/hubcore"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/httpx"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/kms"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/tlsproxy"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/wireguard"
	"github.com/oasisprotocol/rofl-edge-proxy/pkg/config"
)

func main() {
	configPath := flag.String("config", "/etc/oasis/rofl-proxy-hub.json", "path to the hub configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("rofl-proxy-hub exited with error", zap.Error(err))
	}
}

// lazyNotifier breaks the construction cycle between domainverify.Verifier
// (which needs a Notifier at construction time) and hubcore.Core (which
// needs the Verifier); the hub wires core in after both exist.
type lazyNotifier struct {
	core *hubcore.Core
}

func (l *lazyNotifier) VerificationCompleted(ctx context.Context, instanceID, domain string) {
	if l.core != nil {
		l.core.VerificationCompleted(ctx, instanceID, domain)
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.LoadHubConfig(configPath)
	if err != nil {
		return err
	}

	masterSecretEnv := cfg.KMSMasterSecretEnv
	if masterSecretEnv == "" {
		masterSecretEnv = "ROFL_PROXY_KMS_MASTER_SECRET"
	}
	kmsService := kms.NewLocalService([]byte(os.Getenv(masterSecretEnv)))

	wgHub, err := wireguard.NewHub(wireguard.HubConfig{
		Subnet:          cfg.WireGuardSubnet,
		ExternalAddress: cfg.ExternalWireGuardAddress,
	}, logger)
	if err != nil {
		return err
	}
	defer wgHub.Close()

	proxyCfg := tlsproxy.DefaultConfig()
	proxyCfg.ListenPort = cfg.ListenPort
	if cfg.TimeoutHandshakeSeconds > 0 {
		proxyCfg.TimeoutHandshake = time.Duration(cfg.TimeoutHandshakeSeconds) * time.Second
	}
	if cfg.TimeoutConnectSeconds > 0 {
		proxyCfg.TimeoutConnect = time.Duration(cfg.TimeoutConnectSeconds) * time.Second
	}
	if cfg.TimeoutConnectionSeconds > 0 {
		proxyCfg.TimeoutConnection = time.Duration(cfg.TimeoutConnectionSeconds) * time.Second
	}
	if cfg.TimeoutRWSeconds > 0 {
		proxyCfg.TimeoutRW = time.Duration(cfg.TimeoutRWSeconds) * time.Second
	}
	if cfg.MaxConnections > 0 {
		proxyCfg.MaxConnections = int64(cfg.MaxConnections)
	}

	// Every mapping the hub installs forwards raw bytes to the instance,
	// which terminates TLS itself (spec §4.G, §4.H): the hub has no
	// certificate resolver of its own.
	proxy := tlsproxy.New(proxyCfg, nil, tlsproxy.MappingHooks{}, logger)
	handle := proxy.Handle()

	notifier := &lazyNotifier{}
	resolver := dnsresolve.New()
	verifier := domainverify.NewVerifier(cfg.DomainVerifierWorkers, notifier, resolver, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier.Start(ctx)

	core := hubcore.New(cfg.Domain, cfg.ExternalProxyAddress, wgHub, handle, verifier, logger)
	notifier.core = core

	if cfg.StatusListenAddress != "" {
		go serveStatus(ctx, cfg.StatusListenAddress, core, kmsService, logger)
	}

	go reportWireGuardStatusLoop(ctx, core, logger)

	proxyErr := make(chan error, 1)
	go func() { proxyErr <- proxy.Run(ctx) }()

	logger.Info("rofl-proxy-hub started",
		zap.String("domain", cfg.Domain), zap.Uint16("listen_port", cfg.ListenPort))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("shutdown signal received")
		cancel()
		<-proxyErr
		return nil
	case err := <-proxyErr:
		return err
	}
}

// reportWireGuardStatusLoop periodically refreshes the WireGuard telemetry
// gauges, mirroring the reference hub's 60-second status poll.
func reportWireGuardStatusLoop(ctx context.Context, core *hubcore.Core, logger *zap.Logger) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := core.ReportWireGuardStatus(); err != nil {
				logger.Warn("failed to refresh wireguard status", zap.Error(err))
			}
		}
	}
}

// provisionRequest is the JSON body for the admin provisioning endpoint.
// The on-chain registry watcher that would normally drive Provision/
// Deprovision is out of this module's scope (spec §1 Non-goals); this
// endpoint is the integration seam an external watcher process calls into.
type provisionRequest struct {
	InstanceID       uint64            `json:"instance_id"`
	DeploymentRevision uint64          `json:"deployment_revision"`
	Metadata         map[string]string `json:"metadata"`
}

func serveStatus(ctx context.Context, addr string, core *hubcore.Core, kmsService kms.Service, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/instances/provision", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req provisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "bad request body")
			return
		}
		label, err := core.Provision(r.Context(), hubcore.Instance{ID: hubcore.InstanceID(req.InstanceID)}, hubcore.Deployment{
			Revision: req.DeploymentRevision,
			Metadata: req.Metadata,
		})
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ciphertext, err := kms.SealLabel(r.Context(), kmsService, *label)
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"proxy_label": base64.StdEncoding.EncodeToString(ciphertext)})
	})
	mux.HandleFunc("/instances/deprovision", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		idStr := r.URL.Query().Get("instance_id")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "bad instance_id")
			return
		}
		if err := core.Deprovision(hubcore.InstanceID(id)); err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "deprovisioned"})
	})

	handler := httpx.RequestID(httpx.Logging(mux))
	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("status endpoint listening", zap.String("address", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status endpoint failed", zap.Error(err))
	}
}
