package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakePruner) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, f.err
}

func TestRetention_RunOnce(t *testing.T) {
	pruner := &fakePruner{removed: 42}
	r := NewRetention(pruner, RetentionPolicy{Days: 30}, testLogger())

	r.RunOnce()

	require.Len(t, pruner.cutoffs, 1)
	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, pruner.cutoffs[0], time.Minute)
}

func TestRetention_RunOnce_PruneError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db locked")}
	r := NewRetention(pruner, RetentionPolicy{Days: 30}, testLogger())

	// Errors are logged, not fatal.
	r.RunOnce()
	assert.Len(t, pruner.cutoffs, 1)
}

func TestRetention_DisabledPolicy(t *testing.T) {
	pruner := &fakePruner{}
	r := NewRetention(pruner, RetentionPolicy{Days: 0}, testLogger())

	require.NoError(t, r.Start())
	// Nothing scheduled; nothing pruned.
	assert.Empty(t, pruner.cutoffs)
}

func TestRetention_StartStop(t *testing.T) {
	pruner := &fakePruner{}
	r := NewRetention(pruner, RetentionPolicy{Days: 7, Schedule: "@every 1h"}, testLogger())

	require.NoError(t, r.Start())
	r.Stop()
}

func TestDefaultRetentionPolicy(t *testing.T) {
	policy := DefaultRetentionPolicy()
	assert.Equal(t, 90, policy.Days)
	assert.NotEmpty(t, policy.Schedule)
}
