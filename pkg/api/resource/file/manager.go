// Package file implements a source that reads identity dumps, roster
// exports and job batches dropped on disk by the extraction jobs.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mila-iqia/sarc/internal/common"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
	"github.com/mila-iqia/sarc/pkg/api/resource"
	"github.com/mila-iqia/sarc/pkg/matching"
)

// Name of the source.
const Name = "file"

type config struct {
	IdentitiesFile string `yaml:"identities_file"`
	MembersFile    string `yaml:"members_file"`
	RolesFile      string `yaml:"roles_file"`
	JobsFile       string `yaml:"jobs_file"`
}

type fileFetcher struct {
	logger *slog.Logger
	config config
}

func init() {
	resource.Register(Name, New)
}

// New returns a new file based source.
func New(extra yaml.Node, logger *slog.Logger) (resource.Fetcher, error) {
	var c config
	if err := extra.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode file source config: %w", err)
	}

	if c.IdentitiesFile == "" {
		return nil, errors.New("identities_file must be set in file source config")
	}

	return &fileFetcher{logger: logger, config: c}, nil
}

// identityRecord is one entry of the internal directory dump.
type identityRecord struct {
	MilaEmail    string `json:"mila_email_username"`
	MilaUsername string `json:"mila_cluster_username"`
	DisplayName  string `json:"display_name"`
	Status       string `json:"status"`
	Supervisor   string `json:"supervisor"`
	CoSupervisor string `json:"co_supervisor"`
}

// FetchIdentities reads the internal directory dump.
func (f *fileFetcher) FetchIdentities() ([]matching.InternalIdentity, error) {
	body, err := os.ReadFile(f.config.IdentitiesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identities file: %w", err)
	}

	var records []identityRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identities file: %w", err)
	}

	identities := make([]matching.InternalIdentity, 0, len(records))

	for _, r := range records {
		if r.MilaEmail == "" {
			f.logger.Warn("Ignoring directory entry without email", "display_name", r.DisplayName)
			continue
		}

		identities = append(identities, matching.InternalIdentity{
			Email:        strings.ToLower(r.MilaEmail),
			Username:     r.MilaUsername,
			DisplayName:  r.DisplayName,
			Status:       r.Status,
			Supervisor:   r.Supervisor,
			CoSupervisor: r.CoSupervisor,
		})
	}

	return identities, nil
}

// FetchRoster reads the external account exports. Malformed rows are
// skipped and counted, a missing roles file is not an error.
func (f *fileFetcher) FetchRoster() (*resource.Roster, error) {
	roster := &resource.Roster{}

	mf, err := os.Open(f.config.MembersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open members file: %w", err)
	}
	defer mf.Close()

	var skipped int

	roster.Members, skipped, err = matching.ReadMembers(mf, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read members file: %w", err)
	}

	roster.Skipped += skipped

	if f.config.RolesFile == "" {
		return roster, nil
	}

	rf, err := os.Open(f.config.RolesFile)
	if err != nil {
		if os.IsNotExist(err) {
			f.logger.Warn("Roles file not found, matching on members only", "path", f.config.RolesFile)
			return roster, nil
		}
		return nil, fmt.Errorf("failed to open roles file: %w", err)
	}
	defer rf.Close()

	roster.Roles, skipped, err = matching.ReadRoles(rf, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	roster.Skipped += skipped

	return roster, nil
}

// jobRecord is one entry of a scraped job batch.
type jobRecord struct {
	ClusterName string  `json:"cluster_name"`
	UUID        string  `json:"uuid"`
	User        string  `json:"user"`
	StartedAt   string  `json:"started_at"`
	GPUType     string  `json:"gpu_type"`
	GresGPU     float64 `json:"gres_gpu"`
}

// FetchJobs reads the scraped job batch and returns jobs that started
// between start and end times.
func (f *fileFetcher) FetchJobs(start time.Time, end time.Time) ([]models.Job, error) {
	if f.config.JobsFile == "" {
		return nil, nil
	}

	body, err := os.ReadFile(f.config.JobsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var records []jobRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jobs file: %w", err)
	}

	var jobs []models.Job

	for _, r := range records {
		startedAt, err := parseJobTime(r.StartedAt)
		if err != nil {
			f.logger.Warn("Skipping job with invalid start time", "uuid", r.UUID, "started_at", r.StartedAt, "err", err)
			continue
		}

		if startedAt.Before(start) || !startedAt.Before(end) {
			continue
		}

		uuid := r.UUID
		if uuid == "" {
			uuid, err = common.GetUUIDFromString([]string{r.ClusterName, r.User, r.StartedAt})
			if err != nil {
				f.logger.Warn("Skipping job without usable identifier", "cluster", r.ClusterName, "usr", r.User, "err", err)
				continue
			}
		}

		jobs = append(jobs, models.Job{
			ClusterName: r.ClusterName,
			UUID:        uuid,
			User:        r.User,
			StartedAt:   startedAt.Format(base.DatetimeLayout),
			StartedAtTS: startedAt.UnixMilli(),
			GPUType:     r.GPUType,
			GresGPU:     models.JSONFloat(r.GresGPU),
		})
	}

	return jobs, nil
}

func parseJobTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse(base.DatetimeLayout, value)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}
