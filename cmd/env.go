package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/confidence"
	"github.com/sells-group/evidence-pipeline/internal/cost"
	"github.com/sells-group/evidence-pipeline/internal/db"
	"github.com/sells-group/evidence-pipeline/internal/fetcher"
	"github.com/sells-group/evidence-pipeline/internal/mapping"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
	"github.com/sells-group/evidence-pipeline/internal/ocr"
	"github.com/sells-group/evidence-pipeline/internal/pipeline"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/review"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

// pipelineEnv holds the ledger and the engine built over it for the
// commands that process jobs.
type pipelineEnv struct {
	Store   store.Store
	Source  *fetcher.Source
	Engine  *pipeline.Engine
	Reviews *review.Service
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured ledger.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "evidence.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline builds the full processing environment. With extract false
// the engine gets no capability client and can only remap.
func initPipeline(ctx context.Context, mode string, extract bool) (*pipelineEnv, error) {
	if err := cfg.ValidateMode(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{
		Store:   st,
		Source:  fetcher.New(fetcher.FromConfig(cfg.Fetch)),
		Reviews: review.New(st),
	}

	engine, err := buildEngine(st, env.Source, extract)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Engine = engine
	return env, nil
}

func buildEngine(st store.Store, src pipeline.Source, extract bool) (*pipeline.Engine, error) {
	rt, err := loadRouter(cfg.Router.PolicyPath)
	if err != nil {
		return nil, err
	}
	ctrl, err := confidence.New(confidence.FromConfig(cfg.Confidence), rt)
	if err != nil {
		return nil, eris.Wrap(err, "init confidence controller")
	}
	mapper, err := loadMapper(cfg.Taxonomy.Path, cfg.Taxonomy.MinConfidence)
	if err != nil {
		return nil, err
	}

	costs := cost.FromConfig(cfg.Pricing)
	var extractor capability.Extractor
	var ocrx ocr.Extractor
	if extract {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, time.Duration(cfg.Capability.TimeoutSecs)*time.Second)
		extractor = capability.NewAnthropicExtractor(client, cfg.Anthropic, cfg.Capability, costs)

		ocrx, err = ocr.NewExtractor(cfg.OCR)
		if err != nil {
			return nil, eris.Wrap(err, "init ocr")
		}
		if ocrx == nil {
			zap.L().Debug("ocr provider not configured, scanned documents will stay unreadable")
		}
	}

	zap.L().Info("pipeline ready",
		zap.String("policy_version", rt.Version()),
		zap.String("taxonomy_version", mapper.Version()),
		zap.Bool("extraction", extract),
	)
	return pipeline.New(cfg, pipeline.Deps{
		Store:        st,
		Source:       src,
		Extractor:    extractor,
		Preprocessor: preprocess.New(cfg.Preprocess, ocrx),
		Router:       rt,
		Controller:   ctrl,
		Normalizer:   normalize.New(normalize.DefaultAliases()),
		Mapper:       mapper,
		Costs:        costs,
	}), nil
}

// loadRouter reads the routing policy at path, falling back to the built-in
// policy when no path is configured.
func loadRouter(path string) (*router.Router, error) {
	policy := router.DefaultPolicy()
	if path != "" {
		p, err := router.LoadPolicy(path)
		if err != nil {
			return nil, eris.Wrap(err, "load routing policy")
		}
		policy = p
	}
	rt, err := router.New(policy)
	if err != nil {
		return nil, eris.Wrap(err, "init router")
	}
	return rt, nil
}

func loadMapper(path string, minConfidence float64) (*mapping.Engine, error) {
	tax, err := mapping.LoadTaxonomy(path)
	if err != nil {
		return nil, eris.Wrap(err, "load taxonomy")
	}
	m, err := mapping.NewEngine(tax, minConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "init mapping engine")
	}
	return m, nil
}
