package matching

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

// Custom errors.
var (
	ErrMissingColumn = errors.New("missing required column in roster file")
	ErrEmptyField    = errors.New("missing required field in roster row")
)

// InternalIdentity is the internal directory's view of a person.
type InternalIdentity struct {
	Email        string `json:"mila_email_username"    yaml:"mila_email_username"`
	Username     string `json:"mila_cluster_username"  yaml:"mila_cluster_username"`
	DisplayName  string `json:"display_name"           yaml:"display_name"`
	Status       string `json:"status"                 yaml:"status"`
	Supervisor   string `json:"supervisor,omitempty"   yaml:"supervisor"`
	CoSupervisor string `json:"co_supervisor,omitempty" yaml:"co_supervisor"`
}

// RosterMember is one row of the external federation's member export.
type RosterMember struct {
	Username         string
	Name             string
	Email            string
	ActivationStatus string
	SponsorName      string
}

// RosterRole is one row of the external federation's role export.
type RosterRole struct {
	Username string
	Name     string
	Email    string
	Status   string
}

// Required roster columns.
var (
	memberColumns = []string{"username", "name", "email", "activation_status"}
	roleColumns   = []string{"username", "nom", "email", "status"}
)

// readRoster reads a roster CSV into lower-cased column keyed rows. Rows with
// missing required fields are reported through onError and skipped, they are
// never fatal to the run.
func readRoster(r io.Reader, required []string, onError func(error)) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster header: %w", err)
	}

	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for _, col := range required {
		if !slices.Contains(header, col) {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var rows []map[string]string

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			onError(fmt.Errorf("roster line %d: %w", line, err))

			continue
		}

		row := make(map[string]string, len(header))

		for i, h := range header {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			}
		}

		if err := checkRequired(row, required); err != nil {
			onError(fmt.Errorf("roster line %d: %w", line, err))

			continue
		}

		// Emails are matched case insensitively everywhere
		row["email"] = strings.ToLower(row["email"])
		rows = append(rows, row)
	}

	return rows, nil
}

func checkRequired(row map[string]string, required []string) error {
	for _, col := range required {
		if row[col] == "" {
			return fmt.Errorf("%w: %s", ErrEmptyField, col)
		}
	}

	return nil
}

// ReadMembers reads the member roster export. Members are deduplicated by
// username keeping the last occurrence, matching the federation's export
// behaviour of repeating a member once per role.
func ReadMembers(r io.Reader, logger *slog.Logger) ([]RosterMember, int, error) {
	var nErrs int

	rows, err := readRoster(r, memberColumns, func(err error) {
		logger.Warn("Skipping malformed member row", "err", err)
		nErrs++
	})
	if err != nil {
		return nil, nErrs, err
	}

	byUsername := make(map[string]RosterMember)

	var order []string

	for _, row := range rows {
		m := RosterMember{
			Username:         row["username"],
			Name:             row["name"],
			Email:            row["email"],
			ActivationStatus: strings.ToLower(row["activation_status"]),
			SponsorName:      row["sponsor"],
		}

		if _, seen := byUsername[m.Username]; !seen {
			order = append(order, m.Username)
		}

		byUsername[m.Username] = m
	}

	members := make([]RosterMember, 0, len(byUsername))
	for _, username := range order {
		members = append(members, byUsername[username])
	}

	return members, nErrs, nil
}

// ReadRoles reads the role roster export. Rows whose status is not
// "activated" are dropped, those accounts may have no internal counterpart.
func ReadRoles(r io.Reader, logger *slog.Logger) ([]RosterRole, int, error) {
	var nErrs int

	rows, err := readRoster(r, roleColumns, func(err error) {
		logger.Warn("Skipping malformed role row", "err", err)
		nErrs++
	})
	if err != nil {
		return nil, nErrs, err
	}

	var roles []RosterRole

	for _, row := range rows {
		if strings.ToLower(row["status"]) != "activated" {
			continue
		}

		roles = append(roles, RosterRole{
			Username: row["username"],
			Name:     row["nom"],
			Email:    row["email"],
			Status:   strings.ToLower(row["status"]),
		})
	}

	return roles, nErrs, nil
}
