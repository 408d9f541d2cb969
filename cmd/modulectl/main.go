package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"

	modules "github.com/goliatone/go-tenant-modules"
	"github.com/goliatone/go-tenant-modules/broadcast"
	"github.com/goliatone/go-tenant-modules/cli"
	"github.com/goliatone/go-tenant-modules/config"
	"github.com/goliatone/go-tenant-modules/eventmap"
	"github.com/goliatone/go-tenant-modules/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log := logrus.New()
	log.SetLevel(cfg.Level())
	log.SetOutput(os.Stderr)
	logger := modules.NewLogrusLogger(log)

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := migrate(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	registry := modules.NewRegistry(cfg.ModulesPath, modules.WithRegistryLogger(logger))
	tenants := repository.NewTenantRepository(db)
	permissions := repository.NewPermissionRepository(db)

	bus, redisOut, closers := newEventBus(cfg, logger)
	defer func() {
		bus.Close()
		for _, c := range closers {
			_ = c()
		}
	}()

	scope := modules.TenantScope(modules.SharedScope{})
	if cfg.TenantScope == "schema" {
		scope = modules.SearchPathScope{}
	}

	manager := modules.NewModuleManager(
		modules.NewRepositoryManager(db),
		registry,
		modules.WithManagerLogger(logger),
		modules.WithEventPublisher(bus),
		modules.WithTenantDirectory(tenants),
		modules.WithPermissionStore(permissions),
		modules.WithTenantScope(scope),
	)

	if err := warmup(ctx, cfg, registry, manager, permissions, bus, redisOut, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return cli.Execute(ctx, manager, args, os.Stdout, os.Stderr)
}

func openDB(cfg config.Config) (*bun.DB, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseURL)))
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DatabaseURL)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open database")
		}
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to enable foreign keys")
		}
		return db, nil
	}
}

func migrate(ctx context.Context, db *bun.DB) error {
	if err := modules.CreateSchema(ctx, db); err != nil {
		return err
	}
	return repository.CreateSchema(ctx, db)
}

func newEventBus(cfg config.Config, logger modules.Logger) (*modules.EventBus, *broadcast.RedisBroadcaster, []func() error) {
	bus := modules.NewEventBus(
		modules.WithEventBusLogger(logger),
		modules.WithEventBusWorkers(cfg.BroadcastWorkers),
		modules.WithEventBusMaxRetries(cfg.BroadcastMaxRetries),
	)

	var (
		closers  []func() error
		redisOut *broadcast.RedisBroadcaster
	)
	if cfg.RedisAddr != "" {
		client := broadcast.NewRedisClient(cfg.RedisAddr)
		closers = append(closers, client.Close)
		redisOut = broadcast.NewRedisBroadcaster(client, eventmap.WithChannelPrefix(cfg.RedisChannelPrefix))
		bus.AddBroadcaster(redisOut)
	}
	if brokers := broadcast.SplitBrokers(cfg.KafkaBrokers...); len(brokers) > 0 {
		kb := broadcast.NewKafkaBroadcaster(
			broadcast.NewKafkaWriter(brokers, cfg.KafkaTopic),
			eventmap.WithChannelPrefix(cfg.RedisChannelPrefix),
		)
		closers = append(closers, kb.Close)
		bus.AddBroadcaster(kb)
	}
	return bus, redisOut, closers
}

// warmup syncs the catalog with the discovered descriptors and wires the
// navigation composer onto the bus.
func warmup(ctx context.Context, cfg config.Config, registry *modules.Registry, manager *modules.ModuleManager,
	permissions *repository.PermissionRepository, bus *modules.EventBus, redisOut *broadcast.RedisBroadcaster, logger modules.Logger) error {

	if _, err := manager.SyncCatalog(ctx); err != nil {
		return err
	}

	catalog := modules.NewCatalog(cfg.FallbackLocale)
	descriptors, err := registry.All(ctx)
	if err != nil {
		return err
	}
	for _, desc := range descriptors {
		if skipped := catalog.AddDescriptor(desc); len(skipped) > 0 {
			logger.Warn("module %s declares unknown locales %v", desc.Name, skipped)
		}
	}

	navOpts := []modules.NavigationOption{
		modules.WithNavigationCache(cfg.CacheEnabled, cfg.CacheTTL),
		modules.WithNavigationLogger(logger),
		modules.WithNavigationDefaultLocale(cfg.DefaultLocale),
	}
	if redisOut != nil {
		navOpts = append(navOpts, modules.WithNavigationPublisher(redisOut))
	}

	nav := modules.NewNavigationComposer(registry, manager, permissions, catalog, navOpts...)
	bus.Subscribe(nav.Subscriber())
	return nil
}
