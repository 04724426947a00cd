package testsuite

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/stagehand/internal/logging"
	"github.com/spachava753/stagehand/internal/models"
	"github.com/spachava753/stagehand/internal/shell"
)

func suite(workers int) models.TestSuite {
	return models.TestSuite{
		Workers: workers,
		Shards: []models.TestShard{
			{Name: "unit", Run: "pytest -m 'not slow' starfish"},
			{Name: "slow", Run: "pytest -m slow starfish"},
			{Name: "notebooks", Run: "make run_notebooks"},
		},
		Coverage: "coverage combine && coverage report",
	}
}

func TestCoverageRunsAfterAllShards(t *testing.T) {
	var mu sync.Mutex
	var finished int
	var coverageSaw int
	fake := &shell.Fake{Handler: func(cmd shell.Command) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		if cmd.Line == "coverage combine && coverage report" {
			coverageSaw = finished
			return 0, nil
		}
		finished++
		return 0, nil
	}}

	res, err := New(fake, map[string]string{"MPLBACKEND": "Agg"}, logging.Discard()).Run(context.Background(), suite(2))
	require.NoError(t, err)
	assert.True(t, res.Coverage)
	assert.ElementsMatch(t, []string{"unit", "slow", "notebooks"}, res.Passed)
	assert.Equal(t, 3, coverageSaw, "coverage must start after every shard")

	for _, c := range fake.Commands() {
		assert.Equal(t, "Agg", c.Env["MPLBACKEND"])
	}
}

func TestWorkerLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	fake := &shell.Fake{Handler: func(cmd shell.Command) (int, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		inflight.Add(-1)
		return 0, nil
	}}

	_, err := New(fake, nil, logging.Discard()).Run(context.Background(), suite(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, peak.Load())
}

func TestShardFailureSkipsCoverage(t *testing.T) {
	fake := &shell.Fake{Handler: func(cmd shell.Command) (int, error) {
		if cmd.Line == "pytest -m slow starfish" {
			return 1, nil
		}
		return 0, nil
	}}

	res, err := New(fake, nil, logging.Discard()).Run(context.Background(), suite(1))
	var cmdErr *models.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "test slow", cmdErr.Task)
	assert.False(t, res.Coverage)
	assert.NotContains(t, fake.Lines(), "coverage combine && coverage report")
}

func TestRejectsInvalidSuite(t *testing.T) {
	r := New(&shell.Fake{}, nil, logging.Discard())
	_, err := r.Run(context.Background(), models.TestSuite{})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), models.TestSuite{Shards: []models.TestShard{{Name: "a", Run: "x"}, {Name: "a", Run: "y"}}})
	var cfgErr *models.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
