// Package updater provides an interface to update job structs before
// inserting into DB
//
// Users can implement their own logic to mutate job structs, for instance to
// add normalized allocation columns
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/mila-iqia/sarc/internal/common"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
	"gopkg.in/yaml.v3"
)

// Custom errors.
var (
	ErrDuplID         = errors.New("duplicate ID found in updaters config")
	ErrUnknownUpdater = errors.New("unknown updater found in the config")
	ErrInvalidID      = errors.New("invalid updater ID. It must contain only [a-zA-Z0-9-_]")
)

var invalidIDRegex = regexp.MustCompile("[^a-zA-Z0-9-_]")

// Instance contains the configuration of the given updater.
type Instance struct {
	ID      string    `yaml:"id"`
	Updater string    `yaml:"updater"`
	Extra   yaml.Node `yaml:"extra_config"`
}

// Config contains the configuration of updater(s).
type Config struct {
	Instances []Instance `yaml:"updaters"`
}

// Updater interface.
type Updater interface {
	Update(ctx context.Context, jobs []models.Job) []models.Job
}

// JobUpdater applies all configured updaters to job batches.
type JobUpdater struct {
	Updaters map[string]Updater
	Logger   *slog.Logger
}

// Registered updater factories.
var updaterFactories = make(map[string]func(instance Instance, logger *slog.Logger) (Updater, error))

// Register registers updater struct into factories.
func Register(
	name string,
	factory func(instance Instance, logger *slog.Logger) (Updater, error),
) {
	updaterFactories[name] = factory
}

// checkConfig verifies for the errors in updater config and returns a map
// of updater to its configs.
func checkConfig(updaters []string, config *Config) (map[string][]Instance, error) {
	var IDs []string //nolint:prealloc

	configMap := make(map[string][]Instance)

	for i := range len(config.Instances) {
		if slices.Contains(IDs, config.Instances[i].ID) {
			return nil, fmt.Errorf("%w: %s", ErrDuplID, config.Instances[i].ID)
		}

		if !slices.Contains(updaters, config.Instances[i].Updater) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUpdater, config.Instances[i].Updater)
		}

		if invalidIDRegex.MatchString(config.Instances[i].ID) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidID, config.Instances[i].ID)
		}

		IDs = append(IDs, config.Instances[i].ID)
		configMap[config.Instances[i].Updater] = append(configMap[config.Instances[i].Updater], config.Instances[i])
	}

	return configMap, nil
}

// updaterConfig returns the configuration of updaters.
func updaterConfig() (*Config, error) {
	return common.MakeConfig[Config](base.ConfigFilePath)
}

// New creates a new JobUpdater.
func New(logger *slog.Logger) (*JobUpdater, error) {
	updaters := make(map[string]Updater)

	var registeredUpdaters []string //nolint:prealloc

	// Get all registered updaters
	for updaterName := range updaterFactories {
		registeredUpdaters = append(registeredUpdaters, updaterName)
	}

	// Get current config
	config, err := updaterConfig()
	if err != nil {
		logger.Error("Failed to parse updater config", "err", err)

		return nil, err
	}

	// Preflight checks on config
	configMap, err := checkConfig(registeredUpdaters, config)
	if err != nil {
		logger.Error("Invalid updater config", "err", err)

		return nil, err
	}

	// Loop over factories and create new instances
	for key, factory := range updaterFactories {
		for _, instance := range configMap[key] {
			updater, err := factory(instance, logger.With("updater", key))
			if err != nil {
				logger.Error("Failed to setup job updater", "name", key, "err", err)

				return nil, err
			}

			updaters[instance.ID] = updater
		}
	}

	return &JobUpdater{
		Updaters: updaters,
		Logger:   logger,
	}, nil
}

// Update applies all configured updaters to the job batch in order.
func (u JobUpdater) Update(ctx context.Context, jobs []models.Job) []models.Job {
	// Measure elapsed time
	defer common.TimeTrack(time.Now(), "updater", u.Logger)

	ids := make([]string, 0, len(u.Updaters))
	for id := range u.Updaters {
		ids = append(ids, id)
	}

	// Apply in a stable order
	slices.Sort(ids)

	for _, id := range ids {
		jobs = u.Updaters[id].Update(ctx, jobs)

		u.Logger.Info("Updater applied", "updater_id", id, "num_jobs", len(jobs))
	}

	return jobs
}
