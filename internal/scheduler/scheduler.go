// Package scheduler drives the periodic jobs of the insight pipeline:
// marking automatic insights, applying them after the grace window,
// revalidating open insights, and refreshing reference datasets.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfdata/curator/internal/annotator"
	"github.com/shelfdata/curator/internal/config"
	"github.com/shelfdata/curator/internal/lock"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/internal/validator"
)

// jobLockTTL bounds how long a crashed scheduler blocks a job slot.
const jobLockTTL = 10 * time.Minute

// applyBatchLimit caps insights applied per tick so one huge backlog
// does not starve the other jobs.
const applyBatchLimit = 500

// automaticActor identifies scheduler-driven annotations.
const automaticActor = "automatic-processor"

// Refresher rebuilds a reference dataset (taxonomies, product dump).
type Refresher func(ctx context.Context) error

// Scheduler owns the cron loop and the job implementations.
type Scheduler struct {
	store     store.Store
	annotator *annotator.Annotator
	validator *validator.Validator
	locker    lock.Locker
	cfg       config.SchedulerConfig
	grace     time.Duration

	refreshTaxonomies Refresher
	refreshDataset    Refresher

	cron *cron.Cron
}

func New(st store.Store, ann *annotator.Annotator, val *validator.Validator, locker lock.Locker, cfg config.SchedulerConfig, grace time.Duration) *Scheduler {
	return &Scheduler{
		store:     st,
		annotator: ann,
		validator: val,
		locker:    locker,
		cfg:       cfg,
		grace:     grace,
	}
}

// WithTaxonomyRefresh installs the taxonomy refresh job.
func (s *Scheduler) WithTaxonomyRefresh(r Refresher) *Scheduler {
	s.refreshTaxonomies = r
	return s
}

// WithDatasetRefresh installs the product dump refresh job.
func (s *Scheduler) WithDatasetRefresh(r Refresher) *Scheduler {
	s.refreshDataset = r
	return s
}

// Start registers the cron entries and launches the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"mark-automatic", s.cfg.MarkSpec, s.MarkAutomatic},
		{"apply-automatic", s.cfg.ApplySpec, s.ApplyAutomatic},
		{"refresh-insights", s.cfg.RefreshSpec, s.RefreshInsights},
		{"refresh-dataset", s.cfg.DatasetSpec, s.RefreshDataset},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, s.guarded(ctx, job.name, job.run)); err != nil {
			return eris.Wrapf(err, "scheduler: register %s", job.name)
		}
	}

	c.Start()
	s.cron = c
	zap.L().Info("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// guarded wraps a job with a distributed lock so concurrent scheduler
// instances never double-fire, and with panic-free error logging.
func (s *Scheduler) guarded(ctx context.Context, name string, run func(ctx context.Context) error) func() {
	return func() {
		held, err := s.locker.Acquire(ctx, "job:"+name, jobLockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				zap.L().Debug("job already running elsewhere", zap.String("job", name))
				return
			}
			zap.L().Error("job lock acquisition failed", zap.String("job", name), zap.Error(err))
			return
		}
		defer held.Release(ctx)

		start := time.Now()
		if err := run(ctx); err != nil {
			zap.L().Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		zap.L().Info("job finished",
			zap.String("job", name),
			zap.Duration("took", time.Since(start)))
	}
}

// MarkAutomatic stamps every unmarked automatic insight with the time
// it becomes eligible for application. Idempotent: already-stamped
// insights are never touched again.
func (s *Scheduler) MarkAutomatic(ctx context.Context) error {
	processAfter := time.Now().UTC().Add(s.grace)
	n, err := s.store.MarkAutomatic(ctx, processAfter)
	if err != nil {
		return eris.Wrap(err, "scheduler: mark automatic")
	}
	if n > 0 {
		zap.L().Info("scheduled automatic insights",
			zap.Int("count", n),
			zap.Time("process_after", processAfter))
	}
	return nil
}

// ApplyAutomatic annotates every insight whose grace window elapsed.
// One insight's failure is logged and the run continues.
func (s *Scheduler) ApplyAutomatic(ctx context.Context) error {
	ready, err := s.store.ReadyToApply(ctx, time.Now().UTC(), applyBatchLimit)
	if err != nil {
		return eris.Wrap(err, "scheduler: list ready insights")
	}

	applied := 0
	for i := range ready {
		ins := &ready[i]
		res, err := s.annotator.Annotate(ctx, ins.ID, model.AnnotationAccept, annotator.Options{
			CompletedBy: automaticActor,
			IsAutomatic: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Error("automatic application failed",
				zap.String("insight_id", ins.ID),
				zap.String("barcode", ins.Barcode),
				zap.Error(err))
			continue
		}
		if res.Saved() {
			applied++
		}
	}
	if len(ready) > 0 {
		zap.L().Info("applied automatic insights",
			zap.Int("ready", len(ready)),
			zap.Int("applied", applied))
	}
	return nil
}

// RefreshInsights runs a validation pass over the open insight set.
func (s *Scheduler) RefreshInsights(ctx context.Context) error {
	_, err := s.validator.Run(ctx)
	return err
}

// RefreshDataset refreshes the reference datasets the pipeline reads
// from. Both refreshes run concurrently; either failure is reported.
func (s *Scheduler) RefreshDataset(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.refreshDataset != nil {
		g.Go(func() error { return s.refreshDataset(gctx) })
	}
	if s.refreshTaxonomies != nil {
		g.Go(func() error { return s.refreshTaxonomies(gctx) })
	}
	return eris.Wrap(g.Wait(), "scheduler: refresh dataset")
}
