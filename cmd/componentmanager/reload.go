package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/config"
)

// catalogReloader re-reads the config layers on SIGHUP and reloads the
// catalog files they name. Only the catalog follows a reload; connection
// and server settings keep their startup values.
type catalogReloader struct {
	cli     *CLIConfig
	current *config.SafeConfig
	catalog *catalog.Registry
	logger  *slog.Logger
}

func newCatalogReloader(cli *CLIConfig, cfg *config.Config, cat *catalog.Registry, logger *slog.Logger) *catalogReloader {
	return &catalogReloader{
		cli:     cli,
		current: config.NewSafeConfig(cfg),
		catalog: cat,
		logger:  logger,
	}
}

// Config returns a copy of the configuration in effect
func (r *catalogReloader) Config() *config.Config {
	return r.current.Get()
}

func (r *catalogReloader) reload() error {
	next, err := loadConfig(r.cli)
	if err != nil {
		return err
	}
	return r.apply(next)
}

// apply swaps in next and brings the catalog in line with its paths.
// Files dropped from the list withdraw their entries.
func (r *catalogReloader) apply(next *config.Config) error {
	prev := r.current.Get()
	if next.Platform.ID != prev.Platform.ID {
		return fmt.Errorf("platform.id cannot change at runtime (%s to %s)", prev.Platform.ID, next.Platform.ID)
	}
	if err := r.current.Update(next); err != nil {
		return err
	}

	for _, path := range prev.Manager.CatalogPaths {
		if slices.Contains(next.Manager.CatalogPaths, path) {
			continue
		}
		r.catalog.ReplaceSource(path, nil, nil)
		r.logger.Info("Catalog file withdrawn", "path", path)
	}
	return loadCatalog(r.catalog, next.Manager.CatalogPaths)
}

func (r *catalogReloader) run(ctx context.Context, hup <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := r.reload(); err != nil {
				r.logger.Error("Configuration reload failed", "error", err)
				continue
			}
			r.logger.Info("Configuration reloaded", "catalog_paths", r.Config().Manager.CatalogPaths,
				"revision", r.catalog.Revision())
		}
	}
}
