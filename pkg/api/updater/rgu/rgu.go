// Package rgu implements the updater that adds normalized RGU allocation
// columns to job batches.
package rgu

import (
	"context"
	"log/slog"

	"github.com/mila-iqia/sarc/internal/common"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
	"github.com/mila-iqia/sarc/pkg/api/updater"
	sarc_rgu "github.com/mila-iqia/sarc/pkg/rgu"
)

// Name of the updater in config files.
const Name = "rgu"

// config is the extra_config of the rgu updater.
type config struct {
	// Global GPU type to RGU ratio table
	GPUToRGU map[string]float64 `yaml:"gpu_to_rgu"`
}

type rguUpdater struct {
	normalizer *sarc_rgu.Normalizer
	logger     *slog.Logger
}

func init() {
	updater.Register(Name, New)
}

// New creates a new rgu updater from the instance config. Billing schedules
// come from the clusters section of the main config file, the same source
// the store persists for the REST API.
func New(instance updater.Instance, logger *slog.Logger) (updater.Updater, error) {
	var c config
	if err := instance.Extra.Decode(&c); err != nil {
		return nil, err
	}

	clusters, err := common.MakeConfig[sarc_rgu.ClustersConfig](base.ConfigFilePath)
	if err != nil {
		return nil, err
	}

	resolver, err := sarc_rgu.NewResolver(clusters.Schedules())
	if err != nil {
		return nil, err
	}

	return &rguUpdater{
		normalizer: sarc_rgu.NewNormalizer(c.GPUToRGU, resolver, logger),
		logger:     logger,
	}, nil
}

// Update computes normalized allocation columns for the batch in place.
func (u *rguUpdater) Update(_ context.Context, jobs []models.Job) []models.Job {
	u.normalizer.NormalizeJobs(jobs)

	return jobs
}
