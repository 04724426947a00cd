package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/stagehand/internal/models"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "releases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l
}

func TestUnknownVersionIsUntagged(t *testing.T) {
	l := openTemp(t)
	s, err := l.State(context.Background(), "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseUntagged, s)
}

func TestTransitionsFollowWorkflow(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	for _, next := range []models.ReleaseState{
		models.ReleaseTaggedClean,
		models.ReleaseBuilt,
		models.ReleaseVerified,
		models.ReleaseUploaded,
	} {
		_, err := l.Transition(ctx, "0.1.0", next)
		require.NoError(t, err, "moving to %s", next)
	}

	s, err := l.State(ctx, "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseUploaded, s)

	history, err := l.History(ctx, "0.1.0")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, models.ReleaseUntagged, history[0].From)
	assert.Equal(t, models.ReleaseUploaded, history[3].To)
	assert.True(t, history[0].At.Before(history[3].At))
	assert.NotEqual(t, history[0].ID, history[1].ID)
}

func TestTransitionRejectsSkippedSteps(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	tests := []struct {
		name  string
		setup []models.ReleaseState
		next  models.ReleaseState
	}{
		{name: "built needs tagged-clean", next: models.ReleaseBuilt},
		{name: "uploaded needs verified", setup: []models.ReleaseState{models.ReleaseTaggedClean, models.ReleaseBuilt}, next: models.ReleaseUploaded},
		{name: "verified needs built", setup: []models.ReleaseState{models.ReleaseTaggedClean}, next: models.ReleaseVerified},
		{name: "uploaded is final", setup: []models.ReleaseState{models.ReleaseTaggedClean, models.ReleaseBuilt, models.ReleaseVerified, models.ReleaseUploaded}, next: models.ReleaseTaggedClean},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version := "1.0." + string(rune('0'+i))
			for _, s := range tt.setup {
				_, err := l.Transition(ctx, version, s)
				require.NoError(t, err)
			}
			before, err := l.History(ctx, version)
			require.NoError(t, err)

			_, err = l.Transition(ctx, version, tt.next)
			require.Error(t, err)
			assert.Equal(t, models.ExitReleaseOutOfOrder, models.ExitCodeOf(err))

			after, err := l.History(ctx, version)
			require.NoError(t, err)
			assert.Len(t, after, len(before), "rejected transition must not be recorded")
		})
	}
}

func TestRequireDoesNotRecord(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	_, err := l.Require(ctx, "2.0.0", models.ReleaseVerified)
	assert.Equal(t, models.ExitReleaseOutOfOrder, models.ExitCodeOf(err))

	cur, err := l.Require(ctx, "2.0.0", models.ReleaseTaggedClean)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseUntagged, cur)

	history, err := l.History(ctx, "2.0.0")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "releases.db")

	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Transition(ctx, "0.2.0", models.ReleaseTaggedClean)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Migrations are already applied; opening again is a no-op for the schema.
	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	s, err := l.State(ctx, "0.2.0")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseTaggedClean, s)
}
