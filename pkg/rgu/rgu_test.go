package rgu

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

var testRatios = map[string]float64{
	"A100": 3.21,
	"V100": 2.5,
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()

	resolver, err := NewResolver(map[string]Schedule{
		"raisin": {
			{
				Since:   time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC),
				Weights: map[string]float64{"V100": 50},
			},
		},
	})
	require.NoError(t, err)

	return NewNormalizer(testRatios, resolver, slog.New(slog.DiscardHandler))
}

func ts(value string) int64 {
	t, _ := time.Parse(time.RFC3339, value)

	return t.UnixMilli()
}

func TestNormalizePassThroughCluster(t *testing.T) {
	n := newTestNormalizer(t)

	// The mila cluster reports physical GPU counts natively
	jobs := []models.Job{
		{ClusterName: "mila", UUID: "1", GPUType: "A100", GresGPU: 5, StartedAtTS: ts("2023-03-01T00:00:00Z")},
	}
	n.NormalizeJobs(jobs)

	assert.InEpsilon(t, 5.0, float64(jobs[0].GresGPU), 1e-9)
	assert.InEpsilon(t, 3.21, float64(jobs[0].GPUTypeRGU), 1e-9)
	assert.InEpsilon(t, 16.05, float64(jobs[0].GresRGU), 1e-9)
}

func TestNormalizeBillingScaledCluster(t *testing.T) {
	n := newTestNormalizer(t)

	// raisin bills in scaled units, 4500 units at weight 50 is 90 GPUs
	jobs := []models.Job{
		{ClusterName: "raisin", UUID: "2", GPUType: "V100", GresGPU: 4500, StartedAtTS: ts("2023-02-17T00:00:00Z")},
	}
	n.NormalizeJobs(jobs)

	assert.InEpsilon(t, 90.0, float64(jobs[0].GresGPU), 1e-9)
	assert.InEpsilon(t, 2.5, float64(jobs[0].GPUTypeRGU), 1e-9)
	assert.InEpsilon(t, 225.0, float64(jobs[0].GresRGU), 1e-9)
}

func TestNormalizeBeforeFirstSnapshot(t *testing.T) {
	n := newTestNormalizer(t)

	// No snapshot covers the start time, the physical count is undefined
	jobs := []models.Job{
		{ClusterName: "raisin", UUID: "3", GPUType: "V100", GresGPU: 4500, StartedAtTS: ts("2023-01-01T00:00:00Z")},
	}
	n.NormalizeJobs(jobs)

	assert.True(t, jobs[0].GresGPU.IsNaN())
	assert.True(t, jobs[0].GresRGU.IsNaN())
	assert.InEpsilon(t, 2.5, float64(jobs[0].GPUTypeRGU), 1e-9)
}

func TestNormalizeUnknownGPUType(t *testing.T) {
	n := newTestNormalizer(t)

	jobs := []models.Job{
		{ClusterName: "mila", UUID: "4", GPUType: "H200", GresGPU: 2, StartedAtTS: ts("2023-03-01T00:00:00Z")},
	}
	n.NormalizeJobs(jobs)

	// Unknown ratio propagates as NaN, the count itself stays intact
	assert.InEpsilon(t, 2.0, float64(jobs[0].GresGPU), 1e-9)
	assert.True(t, jobs[0].GPUTypeRGU.IsNaN())
	assert.True(t, jobs[0].GresRGU.IsNaN())
}

func TestNormalizeCPUOnlyJob(t *testing.T) {
	n := newTestNormalizer(t)

	jobs := []models.Job{
		{ClusterName: "mila", UUID: "5", StartedAtTS: ts("2023-03-01T00:00:00Z")},
	}
	n.NormalizeJobs(jobs)

	assert.True(t, jobs[0].GPUTypeRGU.IsNaN())
	assert.True(t, jobs[0].GresRGU.IsNaN())
	assert.Zero(t, float64(jobs[0].GresGPU))
}
