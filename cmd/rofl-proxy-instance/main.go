// Command rofl-proxy-instance runs inside the attested instance: it fetches
// the sealed ProxyLabel from the local attested-host agent, brings up the
// WireGuard tunnel to the hub, and serves the instance's own containers
// over HTTPS through the same TLS-routing engine the hub uses.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/bootstrap"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/kms"
	"github.com/oasisprotocol/rofl-edge-proxy/pkg/config"
	"github.com/oasisprotocol/rofl-edge-proxy/pkg/identity"
)

func main() {
	configPath := flag.String("config", "/etc/oasis/rofl-proxy-instance.json", "path to the instance configuration file")
	appdSocket := flag.String("appd-socket", bootstrap.DefaultAppdSocketPath, "path to the attested-host agent's Unix socket")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, *appdSocket, logger); err != nil {
		logger.Fatal("rofl-proxy-instance exited with error", zap.Error(err))
	}
}

func run(configPath, appdSocket string, logger *zap.Logger) error {
	instCfg, err := config.LoadInstanceConfig(configPath)
	if err != nil {
		return err
	}

	masterSecretEnv := instCfg.KMSMasterSecretEnv
	if masterSecretEnv == "" {
		masterSecretEnv = "ROFL_PROXY_KMS_MASTER_SECRET"
	}
	kmsService := kms.NewLocalService([]byte(os.Getenv(masterSecretEnv)))

	id, err := identity.Global()
	if err != nil {
		return err
	}
	identityKey := func(_ context.Context) (*ecdsa.PrivateKey, error) {
		return id.Key(), nil
	}

	boot := bootstrap.New(bootstrap.Config{
		ComposeFilePath:  instCfg.ComposeFilePath,
		ACMEDirectoryURL: instCfg.ACMEDirectoryURL,
		ListenAddress:    "0.0.0.0",
	}, bootstrap.NewAppdClient(appdSocket), kmsService, identityKey, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("rofl-proxy-instance starting")
	return boot.Run(ctx)
}
