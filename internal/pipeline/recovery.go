package pipeline

import (
	"context"
	"time"

	"github.com/southbooks/invoiceflow/constants"
)

// Recover rebuilds the in-memory queue from the durable store. Jobs left in
// processing belonged to a worker that no longer exists; they go through the
// standard failure path. Jobs still queued are simply re-enqueued. Runs once,
// before the scheduler starts draining.
func (m *Manager) Recover(ctx context.Context) error {
	orphaned, err := m.jobs.ListByStatus(ctx, constants.JobStatusProcessing)
	if err != nil {
		return err
	}
	for i := range orphaned {
		m.HandleFailure(ctx, &orphaned[i], "server restarted while job was processing")
	}

	queued, err := m.jobs.ListByStatus(ctx, constants.JobStatusQueued)
	if err != nil {
		return err
	}
	for i := range queued {
		m.scheduler.Enqueue(queued[i].ID)
	}

	if len(orphaned) > 0 || len(queued) > 0 {
		m.log.Infow("recovery complete",
			"orphaned_processing", len(orphaned),
			"requeued_pending", len(queued),
		)
	}
	m.scheduler.Kick(ctx)
	return nil
}

// WatchdogLoop periodically sweeps processing jobs whose updated_at has not
// moved past the stuck threshold and routes each through the failure path.
// This catches workers that are alive but hung on a provider call.
func (m *Manager) WatchdogLoop(ctx context.Context) {
	interval := m.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	threshold := m.cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStuck(ctx, threshold)
		}
	}
}

func (m *Manager) sweepStuck(ctx context.Context, threshold time.Duration) {
	cutoff := time.Now().UTC().Add(-threshold)
	stuck, err := m.jobs.ListStuck(ctx, cutoff)
	if err != nil {
		m.log.Errorw("watchdog scan failed", "error", err)
		return
	}
	for i := range stuck {
		job := &stuck[i]
		m.log.Warnw("watchdog found stuck job",
			"job_id", job.ID,
			"file_name", job.FileName,
			"updated_at", job.UpdatedAt,
		)
		m.HandleFailure(ctx, job, "processing stalled past stuck threshold")
	}
}

// CleanupLoop periodically purges terminal job rows older than the retention
// window. Quarantined jobs are never purged; operators decide their fate.
func (m *Manager) CleanupLoop(ctx context.Context) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retention := m.cfg.RetentionAge
	if retention <= 0 {
		retention = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			purged, err := m.jobs.PurgeTerminalBefore(ctx, cutoff)
			if err != nil {
				m.log.Errorw("cleanup sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				m.log.Infow("cleanup sweep purged settled jobs", "count", purged)
			}
		}
	}
}
