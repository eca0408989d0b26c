// Package scheduler runs the recurring jobs: the scheduled harvest scan and
// the maintenance sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
	"github.com/harvester-engine/harvester/internal/scan"
)

// ScanRunner runs a scan cycle. Satisfied by *scan.Scanner.
type ScanRunner interface {
	Scan(ctx context.Context, asOf time.Time, dryRun bool) (*scan.Result, error)
}

// Deps wires the scheduler's collaborators.
type Deps struct {
	Scanner  ScanRunner
	Queue    *queue.Service
	WashRepo *washsale.Repository
}

// Scheduler owns the cron runner. Specs use six fields (seconds first),
// evaluated in UTC.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates the scheduler and registers the standing jobs: the harvest
// scan on the configured schedule, an hourly queue expiry sweep, and a
// nightly wash-sale event retention sweep.
func New(cfg *config.Config, d Deps, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:  log.With().Str("service", "scheduler").Logger(),
	}

	_, err := s.cron.AddFunc(cfg.ScanSchedule, func() {
		asOf := time.Now().UTC()
		result, err := d.Scanner.Scan(context.Background(), asOf, false)
		if errors.Is(err, domain.ErrScanInProgress) {
			s.log.Warn().Msg("Scheduled scan skipped, another scan is running")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Scheduled scan failed")
			return
		}
		s.log.Info().
			Int("harvested", result.Harvested).
			Float64("total_loss", result.TotalLoss).
			Str("commit", result.CommitStatus).
			Msg("Scheduled scan completed")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", cfg.ScanSchedule, err)
	}

	if d.Queue != nil {
		_, err = s.cron.AddFunc("0 0 * * * *", func() {
			expired, err := d.Queue.ExpireStale(time.Now().UTC())
			if err != nil {
				s.log.Error().Err(err).Msg("Queue expiry sweep failed")
				return
			}
			if expired > 0 {
				s.log.Info().Int("expired", expired).Msg("Stale queue items expired")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register queue sweep: %w", err)
		}
	}

	if d.WashRepo != nil {
		// Events older than retention plus the window half-width are outside
		// every reachable compliance query.
		retention := time.Duration(cfg.RetentionDays+cfg.WashWindowDays) * 24 * time.Hour
		_, err = s.cron.AddFunc("0 0 1 * * *", func() {
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := d.WashRepo.DeleteOlderThan(cutoff); err != nil {
				s.log.Error().Err(err).Msg("Wash sale retention sweep failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register retention sweep: %w", err)
		}
	}

	return s, nil
}

// Start begins running the registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and returns once running jobs have finished.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
