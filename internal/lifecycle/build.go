package lifecycle

import (
	"context"
	"path/filepath"

	"github.com/linewatch/linewatch/internal/artifact"
	"github.com/linewatch/linewatch/internal/config"
	"github.com/linewatch/linewatch/internal/detect"
	"github.com/linewatch/linewatch/internal/jobs"
	"github.com/linewatch/linewatch/internal/notify"
	"github.com/linewatch/linewatch/internal/scorer"
	"github.com/linewatch/linewatch/internal/sweep"
	"gorm.io/gorm"
)

// New assembles an engine from its collaborators. The scorer is bounded by
// cfg.Scorer.Timeout.
func New(db *gorm.DB, cfg *config.Config, vs scorer.VisionScorer, store artifact.Store, n notify.Notifier) *Engine {
	bounded := scorer.WithTimeout(vs, cfg.Scorer.Timeout)
	cache := detect.NewCache()
	return &Engine{
		DB: db,
		Trainer: &jobs.Trainer{
			DB:         db,
			Scorer:     bounded,
			Artifacts:  store,
			Cache:      cache,
			ModelsRoot: cfg.Storage.ModelsRoot,
		},
		Predictor: &jobs.Predictor{
			DB:               db,
			Scorer:           bounded,
			Artifacts:        store,
			Cache:            cache,
			DefectsRoot:      cfg.Storage.DefectsRoot,
			ReferenceSamples: cfg.Scorer.ReferenceSamples,
			Neighbors:        cfg.Scorer.Neighbors,
			Extent:           cfg.Scorer.Extent,
		},
		Sweeper: &sweep.Sweeper{
			DB:       db,
			Notifier: n,
			Window:   cfg.Sweep.Window,
		},
		Workers:  cfg.Workers,
		Schedule: cfg.Sweep.Schedule,
	}
}

// FromConfig builds the engine with the scorer command, artifact store and
// alert channels named in cfg. The returned close function releases the
// notifier's broker connections.
func FromConfig(ctx context.Context, db *gorm.DB, cfg *config.Config) (*Engine, func(), error) {
	vs := &scorer.Command{Path: cfg.Scorer.Command, Args: cfg.Scorer.Args}

	var store artifact.Store = artifact.Local{}
	if cfg.Artifacts.S3.Bucket != "" {
		s3Store, err := artifact.NewS3(ctx, cfg.Artifacts.S3, filepath.Join(cfg.Storage.ModelsRoot, ".cache"))
		if err != nil {
			return nil, nil, err
		}
		store = s3Store
	}

	n, closeFn, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return nil, nil, err
	}
	return New(db, cfg, vs, store, n), closeFn, nil
}
