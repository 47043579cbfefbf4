// Package resource defines the interface that each identity and job source
// needs to implement to feed the matching pipeline
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mila-iqia/sarc/internal/common"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
	"github.com/mila-iqia/sarc/pkg/matching"
)

// Custom errors.
var (
	ErrUnknownSource = errors.New("unknown source found in the config")
)

// Roster bundles the external account exports of one sync cycle.
type Roster struct {
	Members []matching.RosterMember
	Roles   []matching.RosterRole
	Skipped int
}

// Fetcher is the interface identity and job sources have to implement.
type Fetcher interface {
	// FetchIdentities fetches the latest internal directory dump.
	FetchIdentities() ([]matching.InternalIdentity, error)
	// FetchRoster fetches the latest external account exports.
	FetchRoster() (*Roster, error)
	// FetchJobs fetches jobs that started between start and end times.
	FetchJobs(start time.Time, end time.Time) ([]models.Job, error)
}

// Manager implements the interface to fetch identities and jobs from
// different sources.
type Manager struct {
	Fetcher
	Logger *slog.Logger
}

// Config contains the source configuration.
type Config struct {
	Source sourceConfig `yaml:"source"`
}

type sourceConfig struct {
	Kind  string    `yaml:"kind"`
	Extra yaml.Node `yaml:"extra"`
}

var factories = make(map[string]func(extra yaml.Node, logger *slog.Logger) (Fetcher, error))

// Register registers the source into factory.
func Register(
	source string,
	factory func(extra yaml.Node, logger *slog.Logger) (Fetcher, error),
) {
	factories[source] = factory
}

// managerConfig returns the configuration of sources.
func managerConfig() (*Config, error) {
	return common.MakeConfig[Config](base.ConfigFilePath)
}

// New creates a new Manager struct instance.
func New(logger *slog.Logger) (*Manager, error) {
	config, err := managerConfig()
	if err != nil {
		logger.Error("Failed to parse source config", "err", err)
		return nil, err
	}

	kind := config.Source.Kind
	if kind == "" {
		kind = "file"
	}

	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, kind)
	}

	fetcher, err := factory(config.Source.Extra, logger.With("source", kind))
	if err != nil {
		logger.Error("Failed to setup source", "name", kind, "err", err)
		return nil, err
	}

	return &Manager{Fetcher: fetcher, Logger: logger}, nil
}
