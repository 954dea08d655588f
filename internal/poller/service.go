// Package poller runs pipeline runs for scans that have been uploaded but
// not yet picked up, e.g. after a crash or when uploads arrive through a
// channel that cannot trigger the pipeline directly.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resaleops/scanpipe/internal/scan"
	"github.com/resaleops/scanpipe/internal/storage"
)

// Runner starts a pipeline run for one scan. Satisfied by
// pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, scanID, userID string, imageRefs []string, hints []string) error
}

const (
	// PollInterval is the time between polling cycles.
	PollInterval = 30 * time.Second

	// DelayBetweenScans is the delay between starting each pipeline run.
	DelayBetweenScans = 2 * time.Second
)

// Service polls the store for scans stuck in the uploaded state and runs the
// pipeline for them.
type Service struct {
	store    storage.Store
	runner   Runner
	interval time.Duration
}

// NewService creates a poller service.
func NewService(store storage.Store, runner Runner) *Service {
	return &Service{
		store:    store,
		runner:   runner,
		interval: PollInterval,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("starting scan poller")

	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scan poller stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll executes one polling cycle.
func (s *Service) poll(ctx context.Context) {
	scans, err := s.store.ListScansByStatus(scan.StatusUploaded)
	if err != nil {
		log.Error().Err(err).Msg("failed to list uploaded scans")
		return
	}
	if len(scans) == 0 {
		return
	}

	log.Debug().Int("count", len(scans)).Msg("picking up uploaded scans")

	for i, sc := range scans {
		if i > 0 {
			// Pace the runs, but never hold up shutdown.
			select {
			case <-ctx.Done():
				return
			case <-time.After(DelayBetweenScans):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.runner.Run(ctx, sc.ID, sc.UserID, nil, nil); err != nil {
			log.Warn().Err(err).Str("scanID", sc.ID).Msg("pipeline run failed")
		}
	}
}
