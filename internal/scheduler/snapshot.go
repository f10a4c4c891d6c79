// Package scheduler drives the periodic state snapshot.
//
// The event log alone is enough to rebuild state, but replaying it from the
// beginning grows linearly with uptime. A snapshot every interval caps
// recovery at one JSON decode plus the patch tail since that snapshot.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/model"
	"github.com/DMcConnell/mira/internal/state"
)

const snapshotTimeout = 5 * time.Second

// StateReader serves the tree being snapshotted.
type StateReader interface {
	Snapshot() state.UIState
}

// SnapshotWriter persists one snapshot row.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, ts string, state []byte) error
}

// SnapshotScheduler wraps robfig/cron around the snapshot job.
type SnapshotScheduler struct {
	cron   *cron.Cron
	state  StateReader
	store  SnapshotWriter
	every  time.Duration
	logger *zap.Logger
}

// NewSnapshotScheduler creates and configures the scheduler.
func NewSnapshotScheduler(st StateReader, store SnapshotWriter, every time.Duration, logger *zap.Logger) *SnapshotScheduler {
	return &SnapshotScheduler{
		cron:   cron.New(),
		state:  st,
		store:  store,
		every:  every,
		logger: logger,
	}
}

// Start registers the snapshot job and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *SnapshotScheduler) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.every), s.snapshot); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("snapshot scheduler started", zap.Duration("interval", s.every))
	return nil
}

// Stop gracefully stops the scheduler, waiting for an in-flight snapshot.
func (s *SnapshotScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("snapshot scheduler stopped")
}

func (s *SnapshotScheduler) snapshot() {
	data, err := json.Marshal(s.state.Snapshot())
	if err != nil {
		s.logger.Error("failed to marshal state snapshot", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := s.store.SaveSnapshot(ctx, model.Now(), data); err != nil {
		s.logger.Error("failed to persist state snapshot", zap.Error(err))
		return
	}

	s.logger.Debug("state snapshot persisted", zap.Int("bytes", len(data)))
}
