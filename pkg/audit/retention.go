package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Pruner is the subset of Store the retention job needs.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionPolicy controls how long audit records are kept.
type RetentionPolicy struct {
	// Days is how many days of records to retain. Zero or negative
	// disables pruning entirely.
	Days int

	// Schedule is a cron expression for when pruning runs.
	// Defaults to 03:10 daily.
	Schedule string
}

// DefaultRetentionPolicy keeps 90 days of records.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Days: 90, Schedule: "10 3 * * *"}
}

// Retention schedules periodic pruning of old audit records.
type Retention struct {
	cron   *cron.Cron
	pruner Pruner
	policy RetentionPolicy
	logger *observability.Logger
}

// NewRetention creates a retention scheduler. Call Start to begin.
func NewRetention(pruner Pruner, policy RetentionPolicy, logger *observability.Logger) *Retention {
	if policy.Schedule == "" {
		policy.Schedule = DefaultRetentionPolicy().Schedule
	}
	return &Retention{
		cron:   cron.New(),
		pruner: pruner,
		policy: policy,
		logger: logger,
	}
}

// Start begins scheduled pruning. No-op when retention is disabled.
func (r *Retention) Start() error {
	if r.policy.Days <= 0 {
		r.logger.Info("audit retention pruning disabled")
		return nil
	}

	_, err := r.cron.AddFunc(r.policy.Schedule, r.RunOnce)
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.WithFields(map[string]interface{}{
		"retention_days": r.policy.Days,
		"schedule":       r.policy.Schedule,
	}).Info("audit retention pruning scheduled")
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes immediately. Exposed for tests and manual runs.
func (r *Retention) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -r.policy.Days)
	removed, err := r.pruner.Prune(ctx, cutoff)
	if err != nil {
		r.logger.WithError(err).Error("audit retention pruning failed")
		return
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Info("pruned expired audit records")
	}
}
