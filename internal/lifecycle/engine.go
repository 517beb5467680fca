// Package lifecycle ties the job queue, the worker pool and the quality
// sweep into the engine that user-facing surfaces talk to.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/linewatch/linewatch/internal/config"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/jobs"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/prediction"
	"github.com/linewatch/linewatch/internal/queue"
	"github.com/linewatch/linewatch/internal/sweep"
	"gorm.io/gorm"
)

// Engine enqueues training and prediction jobs, executes them on a worker
// pool and runs the periodic quality sweep.
type Engine struct {
	DB        *gorm.DB
	Trainer   *jobs.Trainer
	Predictor *jobs.Predictor
	Sweeper   *sweep.Sweeper
	Workers   config.WorkersConfig
	Schedule  string // sweep schedule; empty disables the sweep in Run

	pool *queue.Pool
	once sync.Once
}

func (e *Engine) init() {
	e.once.Do(func() {
		e.pool = &queue.Pool{
			DB:           e.DB,
			Concurrency:  e.Workers.Concurrency,
			PollInterval: e.Workers.PollInterval,
			Handler:      e.handle,
		}
	})
}

// EnqueueTraining queues a training job for an existing line.
func (e *Engine) EnqueueTraining(ctx context.Context, lineID uint) (*models.Job, error) {
	e.init()
	if _, err := line.Get(e.DB.WithContext(ctx), lineID); err != nil {
		return nil, err
	}
	j, err := queue.Enqueue(e.DB.WithContext(ctx), models.JobTrain, lineID, 0)
	if err != nil {
		return nil, err
	}
	log.Printf("engine: queued training job %d for line %d", j.ID, lineID)
	e.pool.Wake()
	return j, nil
}

// EnqueuePredictionBatch queues a prediction job for a batch already
// recorded against lineID.
func (e *Engine) EnqueuePredictionBatch(ctx context.Context, lineID, predictionID uint) (*models.Job, error) {
	e.init()
	db := e.DB.WithContext(ctx)
	if _, err := line.Get(db, lineID); err != nil {
		return nil, err
	}
	pred, err := prediction.Get(db, predictionID)
	if err != nil {
		return nil, err
	}
	if pred.LineID != lineID {
		return nil, errs.Invalid("prediction", "prediction %d belongs to line %d, not %d", predictionID, pred.LineID, lineID)
	}
	j, err := queue.Enqueue(db, models.JobPredict, lineID, predictionID)
	if err != nil {
		return nil, err
	}
	log.Printf("engine: queued prediction job %d for line %d prediction %d", j.ID, lineID, predictionID)
	e.pool.Wake()
	return j, nil
}

// RunQualitySweep performs one sweep synchronously and reports whether it
// could evaluate the trained lines.
func (e *Engine) RunQualitySweep(ctx context.Context) bool {
	return e.Sweeper.Run(ctx).OK
}

// Run registers this process as a worker and executes queued jobs until ctx
// is cancelled. It also heartbeats, reaps dead workers and runs the
// scheduled sweep. It returns an error if the worker could not register or
// lost its registration.
func (e *Engine) Run(ctx context.Context) error {
	e.init()
	workerID, err := queue.GenerateWorkerID()
	if err != nil {
		return err
	}
	if _, err := queue.Register(e.DB, workerID); err != nil {
		return err
	}
	defer func() {
		if err := queue.Deregister(e.DB, workerID); err != nil {
			log.Printf("engine: %v", err)
		}
	}()
	e.pool.WorkerID = workerID
	log.Printf("engine: worker %s started (%d slots)", workerID, e.Workers.Concurrency)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbErr := queue.StartHeartbeat(ctx, e.DB, workerID, e.Workers.HeartbeatInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		queue.RunReaper(ctx, e.DB, e.Workers.StaleThreshold, e.Workers.StaleThreshold/2, e.recoverJob)
	}()
	go func() {
		defer wg.Done()
		e.pool.Run(ctx)
	}()

	if e.Schedule != "" {
		sched, err := sweep.Schedule(e.Schedule, func() { e.RunQualitySweep(ctx) })
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer func() { <-sched.Stop().Done() }()
		log.Printf("engine: quality sweep scheduled %q", e.Schedule)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-hbErr:
		runErr = fmt.Errorf("engine: worker %s: %w", workerID, err)
		log.Printf("%v", runErr)
	}
	cancel()
	wg.Wait()
	log.Printf("engine: worker %s stopped", workerID)
	return runErr
}

// handle dispatches a claimed job by kind.
func (e *Engine) handle(ctx context.Context, j models.Job) jobs.Result {
	switch j.Kind {
	case models.JobTrain:
		return e.Trainer.Train(ctx, j.LineID)
	case models.JobPredict:
		return e.Predictor.PredictBatch(ctx, j.LineID, j.PredictionID)
	default:
		return jobs.Result{Reason: jobs.ReasonInvalid, Err: errs.Invalid("kind", "unknown job kind %q", j.Kind)}
	}
}

// recoverJob reverts the entity of a job whose worker died, the same way the
// job's own failure path would.
func (e *Engine) recoverJob(j models.Job) {
	var err error
	switch j.Kind {
	case models.JobTrain:
		err = jobs.RevertLine(e.DB, j.LineID)
	case models.JobPredict:
		err = jobs.FailPrediction(e.DB, j.PredictionID, jobs.ReasonWorkerLost+": worker stopped heartbeating")
	}
	if err != nil {
		log.Printf("engine: recover job %d: %v", j.ID, err)
	}
}
