// Package main is the entry point for the pdv vault daemon. It opens the
// account store, builds the execution host and serves it over HTTP and,
// when enabled, over an ABCI socket for Tendermint.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdavault.mini/pdv/internal/abci"
	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/api"
	"pdavault.mini/pdv/internal/config"
	"pdavault.mini/pdv/internal/docs"
	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/identity"
	"pdavault.mini/pdv/internal/ledger"
	"pdavault.mini/pdv/internal/logger"
	"pdavault.mini/pdv/internal/platform/otel"
	"pdavault.mini/pdv/internal/tendermint"
	"pdavault.mini/pdv/internal/types"
	"pdavault.mini/pdv/internal/web"
)

func main() {
	log.Printf("INFO: pdv %s starting...", types.Version)

	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatalf("ERROR: Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := otel.Setup(ctx, "pdv", cfg.Tracing)
	if err != nil {
		log.Fatalf("ERROR: Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	store, err := accounts.NewStore(cfg.DBFile)
	if err != nil {
		log.Fatalf("ERROR: Failed to open account store: %v", err)
	}
	defer store.Close()
	log.Printf("INFO: Account store at %s", store.Path())

	programID, err := cfg.ProgramKey()
	if err != nil {
		log.Fatalf("ERROR: Invalid program ID: %v", err)
	}
	program := ledger.NewProgram(address.New(programID))
	executor := host.NewExecutor(program, store, host.Options{MaxTxAge: cfg.MaxTxAge.Duration})
	queries := host.NewQueries(program, store)
	activity := logger.New(cfg.ActivityLogSize)
	log.Printf("INFO: Program %s", program.ID())

	if cfg.BootstrapVault {
		bootstrap(ctx, cfg, executor, activity)
	}

	var abciServer *tendermint.ABCIServer
	if cfg.ABCIEnabled {
		app, err := abci.NewApplication(executor, queries, store, activity)
		if err != nil {
			log.Fatalf("ERROR: Failed to create ABCI application: %v", err)
		}
		abciServer, err = tendermint.NewABCIServer(app, &tendermint.Config{SocketAddress: cfg.ABCISocket})
		if err != nil {
			log.Fatalf("ERROR: Failed to create ABCI server: %v", err)
		}
		if err := abciServer.Start(); err != nil {
			log.Fatalf("ERROR: %v", err)
		}
		log.Printf("INFO: ABCI server listening on %s; HTTP API is read-only", abciServer.SocketPath())
	}

	if err := ensurePortAvailable(cfg.Port); err != nil {
		log.Fatalf("ERROR: Port %d unavailable: %v", cfg.Port, err)
	}
	apiService := api.NewService(executor, queries, store, activity, api.Options{
		ReadOnly:      cfg.ABCIEnabled,
		FaucetEnabled: cfg.FaucetEnabled && !cfg.ABCIEnabled,
		MaxBackups:    cfg.MaxBackups,
	})
	server := web.NewServer(cfg.Port, apiService, docs.NewService(docs.Embedded()), executor, activity)
	serverErrors := server.Start()
	activity.Info("pdv server initialized")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if err != nil {
			log.Printf("ERROR: Web server exited: %v", err)
		}
	case <-sigChan:
	}

	log.Println("INFO: Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: HTTP shutdown: %v", err)
	}
	if abciServer != nil {
		if err := abciServer.Stop(); err != nil {
			log.Printf("WARN: %v", err)
		}
	}
}

// bootstrap initializes the vault with the node's own key. Under consensus
// the vault must be created by a transaction in a block, so it is skipped.
func bootstrap(ctx context.Context, cfg *config.Config, executor *host.Executor, activity *logger.Logger) {
	if cfg.ABCIEnabled {
		log.Println("WARN: Ignoring bootstrap_vault: the vault must be initialized through consensus")
		return
	}
	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		log.Fatalf("ERROR: Failed to load node key: %v", err)
	}
	created, err := executor.BootstrapVault(ctx, id)
	if err != nil {
		log.Fatalf("ERROR: Failed to bootstrap vault: %v", err)
	}
	if created {
		log.Printf("INFO: Vault initialized with admin %s", id.PublicKeyHex())
		activity.Info(fmt.Sprintf("Vault initialized with admin %s", id.PublicKeyHex()))
	}
}

func ensurePortAvailable(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
