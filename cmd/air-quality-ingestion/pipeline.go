package main

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
	"github.com/i474232898/air-quality-ingestion/internal/airquality/providers"
	"github.com/i474232898/air-quality-ingestion/internal/config"
	"github.com/i474232898/air-quality-ingestion/internal/store"
	"github.com/i474232898/air-quality-ingestion/internal/stream"
)

type pipeline struct {
	service *airquality.Service
	// dryRun holds the in-memory results of a dry run.
	dryRun  *store.MemoryStore
	closers []func() error
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close resource")
		}
	}
}

// buildPipeline wires the provider, storage port, run lock and publisher
// selected by cfg. A dry run reads the configured log but writes only to
// memory, with no lock and no publishing.
func buildPipeline(ctx context.Context, cfg *config.AppConfig, dryRun bool) (*pipeline, error) {
	p := &pipeline{}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	fetcher := providers.NewWAQIProvider(httpClient, cfg.WAQIToken, providers.WAQIConfig{
		BaseURL:     cfg.WAQIBaseURL,
		Delay:       cfg.FetchDelay,
		MaxFailures: uint32(cfg.BreakerMaxFailures),
	})

	st, err := openStore(cfg, p)
	if err != nil {
		p.Close()
		return nil, err
	}

	opts := airquality.Options{Workers: cfg.FetchWorkers, LogMaxAge: cfg.LogMaxAge}

	if dryRun {
		seed, err := peekLog(ctx, st)
		if err != nil {
			log.Warn().Err(err).Msg("dry run: could not read historical log; starting empty")
		}
		mem := store.NewMemoryStore(seed...)
		p.dryRun = mem
		p.service = airquality.NewService(fetcher, mem, cfg.Targets, opts)
		log.Info().Msg("dry run: nothing will be written")
		return p, nil
	}

	var extra []airquality.Option
	if cfg.Redis.Enabled() {
		rcfg := stream.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			LockTTL:  cfg.Redis.LockTTL,
			MaxLen:   cfg.Redis.MaxLen,
		}
		client, err := stream.NewClient(ctx, rcfg)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, client.Close)
		extra = append(extra,
			airquality.WithRunLock(stream.NewLock(client, rcfg)),
			airquality.WithPublisher(stream.NewPublisher(client, rcfg)),
		)
	} else {
		extra = append(extra, airquality.WithRunLock(store.NewFileLock(cfg.DataDir, cfg.LockStaleAfter)))
	}

	p.service = airquality.NewService(fetcher, st, cfg.Targets, opts, extra...)
	return p, nil
}

// logPeeker is implemented by stores whose ReadLog may move files around.
type logPeeker interface {
	PeekLog(ctx context.Context) ([]airquality.ObservationRecord, error)
}

// peekLog reads the log without side effects on the store.
func peekLog(ctx context.Context, st airquality.Store) ([]airquality.ObservationRecord, error) {
	if p, ok := st.(logPeeker); ok {
		return p.PeekLog(ctx)
	}
	return st.ReadLog(ctx)
}

func openStore(cfg *config.AppConfig, p *pipeline) (airquality.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMySQL:
		db, err := store.NewMySQLStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, db.Close)
		return db, nil
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.NewCSVStore(cfg.DataDir), nil
	}
}
