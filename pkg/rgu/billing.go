// Package rgu normalizes heterogeneous GPU billing numbers into comparable
// resource GPU units (RGU).
package rgu

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

// ErrUnsortedSchedule is returned when billing snapshots for a cluster are
// not in ascending effective date order.
var ErrUnsortedSchedule = errors.New("billing schedule entries must be sorted by effective date")

// Entry is one billing snapshot: a GPU type to billing weight map that
// applies from Since until the next snapshot's date.
type Entry struct {
	Since   time.Time          `yaml:"since"`
	Weights map[string]float64 `yaml:"weights"`
}

// Schedule is the ordered billing history of one cluster.
type Schedule []Entry

// Resolve returns the billing weight for gpuType at the given time. The
// applicable snapshot is the latest one not after the query time, evaluated
// per call since different job rows span different snapshot intervals. The
// second return is false when no snapshot covers the time or the snapshot
// does not carry the GPU type.
func (s Schedule) Resolve(gpuType string, at time.Time) (float64, bool) {
	// Index of the first entry strictly after the query time
	idx := sort.Search(len(s), func(i int) bool {
		return s[i].Since.After(at)
	})
	if idx == 0 {
		return 0, false
	}

	weight, ok := s[idx-1].Weights[gpuType]

	return weight, ok
}

// ClusterConfig is the configured billing history of one cluster. A cluster
// listed without billing entries is a pass-through cluster.
type ClusterConfig struct {
	Name    string   `yaml:"name"`
	Billing Schedule `yaml:"billing"`
}

// ClustersConfig is the clusters section of the config file.
type ClustersConfig struct {
	Clusters []ClusterConfig `yaml:"clusters"`
}

// Schedules regroups configured cluster billing histories per cluster name,
// skipping pass-through clusters.
func (c ClustersConfig) Schedules() map[string]Schedule {
	schedules := make(map[string]Schedule)

	for _, cluster := range c.Clusters {
		if len(cluster.Billing) > 0 {
			schedules[cluster.Name] = cluster.Billing
		}
	}

	return schedules
}

// Resolver resolves billing weights across clusters. A cluster without a
// schedule reports GPU counts natively, which is pass-through rather than
// undefined.
type Resolver struct {
	schedules map[string]Schedule
}

// NewResolver builds a Resolver from per-cluster schedules, validating that
// each schedule is sorted by ascending effective date.
func NewResolver(schedules map[string]Schedule) (*Resolver, error) {
	for cluster, schedule := range schedules {
		for i := 1; i < len(schedule); i++ {
			if !schedule[i-1].Since.Before(schedule[i].Since) {
				return nil, fmt.Errorf("%w: cluster %s", ErrUnsortedSchedule, cluster)
			}
		}
	}

	return &Resolver{schedules: schedules}, nil
}

// NewResolverFromBillings builds a Resolver from stored billing snapshots,
// grouping and sorting them per cluster.
func NewResolverFromBillings(billings []models.GPUBilling) (*Resolver, error) {
	schedules := make(map[string]Schedule)

	for _, b := range billings {
		since, err := time.Parse(time.RFC3339, b.EffectiveSince)
		if err != nil {
			// Date-only form used by manually supplied schedules
			since, err = time.Parse(time.DateOnly, b.EffectiveSince)
			if err != nil {
				return nil, fmt.Errorf("invalid effective_since %q for cluster %s: %w",
					b.EffectiveSince, b.ClusterName, err)
			}
		}

		schedules[b.ClusterName] = append(schedules[b.ClusterName], Entry{
			Since:   since,
			Weights: b.Weights,
		})
	}

	for cluster := range schedules {
		sort.Slice(schedules[cluster], func(i, j int) bool {
			return schedules[cluster][i].Since.Before(schedules[cluster][j].Since)
		})
	}

	return NewResolver(schedules)
}

// HasSchedule returns true when the cluster carries a billing schedule.
func (r *Resolver) HasSchedule(cluster string) bool {
	return len(r.schedules[cluster]) > 0
}

// Resolve returns the billing weight for (cluster, gpuType, at). The second
// return is false when the weight is undefined. Callers must check
// HasSchedule first to distinguish pass-through clusters.
func (r *Resolver) Resolve(cluster, gpuType string, at time.Time) (float64, bool) {
	schedule, ok := r.schedules[cluster]
	if !ok {
		return 0, false
	}

	return schedule.Resolve(gpuType, at)
}
