package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/config"
	"github.com/tartarus-sandbox/minos/pkg/erebus"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/olympus"
	"github.com/tartarus-sandbox/minos/pkg/styx"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

// app holds the wired governance core.
type app struct {
	permissions *themis.Registry
	keys        *cerberus.KeyManager
	sandbox     *erinyes.Sandbox
	gateway     *styx.Gateway
	server      *olympus.Server

	closers []func() error
}

// Close releases stores in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := hermes.NewPrometheusMetrics(reg)

	auditSink, err := a.openAudit(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}

	var (
		store    charon.Store
		repo     themis.Repository
		keyStore cerberus.KeyStore
		plugins  hades.Registry
		checks   []func(context.Context) error
	)

	if cfg.Redis.Addr != "" {
		rs, err := charon.NewRedisStore(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		client := rs.Client()
		store = rs
		repo = themis.NewRedisRepoFromClient(client)
		plugins = hades.NewRedisRegistryFromClient(client)
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		logger.Info("Using redis for counters, cache and plugin records", "addr", cfg.Redis.Addr)
	} else {
		ms := charon.NewMemoryStore()
		a.closers = append(a.closers, ms.Close)
		store = ms
		repo = themis.NewMemoryRepo()
		plugins = hades.NewMemoryRegistry()
		logger.Warn("No redis configured; state is kept in memory and lost on restart")
	}
	keyStore = cerberus.NewMemoryKeyStore()

	if cfg.Database.Driver != "" {
		if cfg.Database.Driver == string(erebus.DialectPostgres) && cfg.Database.AutoMigrate {
			if err := erebus.Migrate(cfg.Database.DSN, logger); err != nil {
				return nil, err
			}
		}
		db, err := erebus.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo = db
		keyStore = db
		checks = append(checks, db.DB().PingContext)
		logger.Info("Using database for grants and api keys", "driver", cfg.Database.Driver)
	}

	a.permissions = themis.NewRegistry(themis.DefaultCatalog(), repo, store,
		themis.WithCacheTTL(cfg.Permissions.CacheTTL),
		themis.WithAuditSink(auditSink),
		themis.WithMetrics(metrics),
		themis.WithLogger(logger),
	)

	a.keys = cerberus.NewKeyManager(keyStore, store, cerberus.KeyManagerOptions{
		BcryptCost: cfg.APIKeys.BcryptCost,
		CacheTTL:   cfg.APIKeys.CacheTTL,
		Catalog:    a.permissions.Catalog(),
		Audit:      auditSink,
		Logger:     logger,
		Metrics:    metrics,
	})

	opts := erinyes.Options{
		Config:   cfg.Sandbox,
		Registry: plugins,
		Audit:    auditSink,
		Logger:   logger,
		Metrics:  metrics,
	}
	if sampler, err := erinyes.NewProcessSampler(); err != nil {
		logger.Warn("Memory sampling unavailable; memory limits are not enforced", "error", err)
	} else {
		opts.Sampler = sampler
	}
	a.sandbox, err = erinyes.New(store, opts)
	if err != nil {
		return nil, err
	}

	contract, err := cfg.Network.Contract()
	if err != nil {
		return nil, err
	}
	gwOpts := []styx.Option{styx.WithContract(contract), styx.WithLogger(logger)}
	if cfg.Network.BurstPerSecond > 0 {
		limiter := charon.NewTokenBucketLimiter(cfg.Network.BurstPerSecond, max(cfg.Network.Burst, 1), nil)
		a.closers = append(a.closers, limiter.Close)
		gwOpts = append(gwOpts, styx.WithLimiter(limiter))
	}
	a.gateway = styx.New(a.sandbox, gwOpts...)

	a.server = olympus.NewServer(olympus.Deps{
		Permissions: a.permissions,
		Validator:   cerberus.NewValidator(a.permissions, a.permissions.Catalog(), auditSink, logger),
		Keys:        a.keys,
		Sandbox:     a.sandbox,
		Plugins:     plugins,
		Gateway:     a.gateway,
		Gatherer:    reg,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		AdminToken: cfg.Admin.Token,
		Logger:     logger,
	})
	return a, nil
}

// openAudit builds the configured sink. A file sink with a chain secret is hash-chained and
// continues the chain already in the file.
func (a *app) openAudit(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, error) {
	if cfg.Sink != "file" {
		return audit.NewSlogSink(logger), nil
	}

	fileStore, err := audit.NewFileStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.closers = append(a.closers, fileStore.Close)

	var store audit.Store = fileStore
	if cfg.ChainSecret != "" {
		chained := audit.NewTamperEvidentStore(fileStore, audit.NewChainManager([]byte(cfg.ChainSecret)))
		last, err := lastAuditHash(cfg.Path)
		if err != nil {
			return nil, err
		}
		chained.Resume(last)
		store = chained
	}

	auditor := audit.NewStandardAuditor(store)
	if cfg.MinSeverity != "" {
		auditor = auditor.WithMinSeverity(audit.Severity(cfg.MinSeverity))
	}
	return audit.MultiSink{auditor, audit.NewSlogSink(logger)}, nil
}

func lastAuditHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	events, err := audit.ReadLog(f)
	if err != nil {
		return "", fmt.Errorf("failed to read audit log %s: %w", path, err)
	}
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].Hash, nil
}
