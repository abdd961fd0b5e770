package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportAllHealthy(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }

	results, healthy := Report(context.Background(), []Probe{
		{Name: "database", Check: ok},
		{Name: "broker", Check: ok},
		{Name: "storage", Check: ok},
	})

	assert.True(t, healthy)
	require.Len(t, results, 3)
	for name, st := range results {
		assert.Equal(t, StatusHealthy, st.Status, "probe %s", name)
		assert.Empty(t, st.Error)
	}
}

func TestReportOneFailureDegradesOverall(t *testing.T) {
	results, healthy := Report(context.Background(), []Probe{
		{Name: "database", Check: func(ctx context.Context) error { return nil }},
		{Name: "broker", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
	})

	assert.False(t, healthy)
	assert.Equal(t, StatusHealthy, results["database"].Status)
	assert.Equal(t, StatusUnhealthy, results["broker"].Status)
	assert.Equal(t, "connection refused", results["broker"].Error)
}

func TestReportHonorsProbeContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, healthy := Report(ctx, []Probe{
		{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	assert.False(t, healthy)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Contains(t, results["slow"].Error, "context canceled")
}

func TestReportNoProbes(t *testing.T) {
	results, healthy := Report(context.Background(), nil)
	assert.True(t, healthy)
	assert.Empty(t, results)
}
