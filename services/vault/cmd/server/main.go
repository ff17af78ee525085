package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"poolvault/pkg/amount"
	"poolvault/pkg/authn"
	"poolvault/pkg/db"
	"poolvault/pkg/domain"
	"poolvault/services/vault/internal/engine"
	"poolvault/services/vault/internal/snapshot"
	"poolvault/services/vault/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var st vaultStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			logger.Fatal("database connect", zap.Error(err))
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("database schema", zap.Error(err))
		}
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}

	opts := engine.Options{
		DecimalsOffset: envUint("VAULT_DECIMALS_OFFSET", 3),
		AssetDecimals:  envUint("VAULT_ASSET_DECIMALS", 6),
		Logger:         logger,
	}
	if raw := os.Getenv("VAULT_MAX_DEPOSIT"); raw != "" {
		maxDeposit, err := amount.ParseBaseUnits(raw)
		if err != nil {
			logger.Fatal("VAULT_MAX_DEPOSIT", zap.Error(err))
		}
		opts.MaxDeposit = maxDeposit
	}
	vault := engine.New(st, opts)

	admin := domain.Account(envDefault("VAULT_ADMIN_ACCOUNT", "admin"))
	agent := domain.Account(envDefault("VAULT_AGENT_ACCOUNT", "agent"))
	treasury := domain.Account(envDefault("VAULT_TREASURY_ACCOUNT", "treasury"))
	if err := vault.Init(ctx, admin, agent, treasury); err != nil {
		logger.Fatal("vault init", zap.Error(err))
	}
	registerBootstrapToken(ctx, logger, st, "VAULT_ADMIN_TOKEN", admin)
	registerBootstrapToken(ctx, logger, st, "VAULT_AGENT_TOKEN", agent)

	if spec := os.Getenv("VAULT_SNAPSHOT_CRON"); spec != "" {
		rec, err := snapshot.New(vault, spec, logger)
		if err != nil {
			logger.Fatal("snapshot schedule", zap.Error(err))
		}
		rec.Start()
		defer rec.Stop()
		logger.Info("nav snapshot schedule active", zap.String("cron", spec))
	}

	s := &server{vault: vault, store: st, log: logger}
	r := newRouter(s)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8080"
	}
	logger.Info("vault service listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}

func registerBootstrapToken(ctx context.Context, logger *zap.Logger, st vaultStore, env string, account domain.Account) {
	token := os.Getenv(env)
	if token == "" {
		return
	}
	if err := st.RegisterToken(ctx, authn.HashToken(token), account); err != nil {
		logger.Fatal("register token", zap.String("account", string(account)), zap.Error(err))
	}
	logger.Info("bootstrap token registered", zap.String("account", string(account)))
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint) uint {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return uint(v)
}
