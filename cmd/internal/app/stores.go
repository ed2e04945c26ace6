package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"courier/cmd/internal/cache"
	"courier/cmd/internal/directory"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stores owns the storage resources opened for one App.
type stores struct {
	dir   directory.Directory
	cache cache.Cache
	pool  *pgxpool.Pool
}

// openStores opens the directory selected by cfg.Store and the unread cache.
func openStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	dir, pool, err := openDirectory(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c, err := openCache(ctx, cfg, log)
	if err != nil {
		_ = dir.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	return &stores{dir: dir, cache: c, pool: pool}, nil
}

func openDirectory(ctx context.Context, cfg Config, log Logger) (directory.Directory, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		pg, err := directory.NewPostgres(pool, directory.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			log.Info("store.migrated", "schema", pg.Schema())
		}
		log.Info("store.open", "store", StorePostgres, "schema", pg.Schema())
		return pg, pool, nil

	case StoreBadger:
		b, err := directory.OpenBadger(cfg.BadgerDir, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.open", "store", StoreBadger, "dir", cfg.BadgerDir, "in_memory", strings.TrimSpace(cfg.BadgerDir) == "")
		return b, nil, nil

	case StoreMemory, "":
		log.Info("store.open", "store", StoreMemory)
		return directory.NewMemory(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func openCache(ctx context.Context, cfg Config, log Logger) (cache.Cache, error) {
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		c, err := cache.NewRedis(ctx, url)
		if err != nil {
			return nil, err
		}
		log.Info("cache.open", "cache", "redis")
		return c, nil
	}

	c, err := cache.NewMemory(cfg.MemoryCacheSize)
	if err != nil {
		return nil, err
	}
	log.Info("cache.open", "cache", "memory", "items", cfg.MemoryCacheSize)
	return c, nil
}

// Ping reports whether every store answers.
func (s *stores) Ping(ctx context.Context) error {
	var errs []error
	if err := s.dir.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("directory: %w", err))
	}
	if err := s.cache.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the cache, the directory and finally the pool it may use.
func (s *stores) Close() error {
	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.dir.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errs...)
}

// Migrate opens Postgres and applies the schema without serving.
func Migrate(ctx context.Context, cfg Config, log Logger) error {
	if cfg.Store != StorePostgres {
		return errors.New("migrate requires COURIER_STORE=postgres")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("migrate requires COURIER_DATABASE_URL")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	pg, err := directory.NewPostgres(pool, directory.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info("store.migrated", "schema", pg.Schema())
	return nil
}
