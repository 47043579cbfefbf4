// Package db creates DB tables, calls the identity and job sources and
// populates the DB with user revisions, billing snapshots and jobs
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mila-iqia/sarc/internal/structset"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/db/migrator"
	"github.com/mila-iqia/sarc/pkg/api/models"
	"github.com/mila-iqia/sarc/pkg/api/resource"
	"github.com/mila-iqia/sarc/pkg/api/updater"
	"github.com/mila-iqia/sarc/pkg/matching"
	"github.com/mila-iqia/sarc/pkg/rgu"
)

// Directory containing DB migrations.
const migrationsDir = "migrations"

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Config makes a DB config from CLI args.
type Config struct {
	Logger               *slog.Logger
	DataPath             string
	LastUpdateTimeString string
	Matching             matching.Config
	Clusters             rgu.ClustersConfig
	ResourceManager      func(*slog.Logger) (*resource.Manager, error)
	Updater              func(*slog.Logger) (*updater.JobUpdater, error)
}

// storageConfig is the resolved storage settings.
type storageConfig struct {
	dbPath             string
	lastUpdateTime     time.Time
	lastUpdateTimeFile string
}

// Stringer receiver for storageConfig.
func (s *storageConfig) String() string {
	return fmt.Sprintf(
		"storageConfig{dbPath: %s, lastUpdateTime: %s, lastUpdateTimeFile: %s}",
		s.dbPath, s.lastUpdateTime, s.lastUpdateTimeFile,
	)
}

// accountsDB is the SQLite backed store behind the API server.
type accountsDB struct {
	logger   *slog.Logger
	db       *sql.DB
	manager  *resource.Manager
	updater  *updater.JobUpdater
	storage  *storageConfig
	matching matching.Config
	clusters rgu.ClustersConfig
	report   *matching.Report
}

var prepareStatements = make(map[string]string, 3)

// Init func to set prepareStatements.
func init() {
	// Columns are inserted explicitly, the id is assigned by SQLite.
	usersInsertCols := withoutID(base.UsersDBTableColNames)
	jobsInsertCols := withoutID(base.JobsDBTableColNames)
	billingInsertCols := withoutID(base.GPUBillingDBTableColNames)

	prepareStatements[base.UsersDBTableName] = fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		base.UsersDBTableName,
		strings.Join(usersInsertCols, ","),
		placeholders(len(usersInsertCols)),
	)

	// Job rows are keyed by (cluster_name,uuid). Re-scraped or re-normalized
	// jobs update the mutable columns in place.
	var jobUpdatePlaceholders []string

	for _, col := range jobsInsertCols {
		switch col {
		case "usr", "gpu_type", "gres_gpu", "gpu_type_rgu", "gres_rgu", "last_updated_at":
			jobUpdatePlaceholders = append(jobUpdatePlaceholders, fmt.Sprintf("  %[1]s = ?", col))
		default:
			continue
		}
	}

	prepareStatements[base.JobsDBTableName] = strings.Join(
		[]string{
			fmt.Sprintf(
				"INSERT INTO %s (%s) VALUES (%s) %s",
				base.JobsDBTableName,
				strings.Join(jobsInsertCols, ","),
				placeholders(len(jobsInsertCols)),
				"ON CONFLICT(cluster_name,uuid) DO UPDATE SET", // Index is defined in 000002_create_jobs_table.up.sql
			),
			strings.Join(jobUpdatePlaceholders, ",\n"),
		},
		"\n",
	)

	prepareStatements[base.GPUBillingDBTableName] = strings.Join(
		[]string{
			fmt.Sprintf(
				"INSERT INTO %s (%s) VALUES (%s) %s",
				base.GPUBillingDBTableName,
				strings.Join(billingInsertCols, ","),
				placeholders(len(billingInsertCols)),
				"ON CONFLICT(cluster_name,effective_since) DO UPDATE SET", // Index is defined in 000003_create_gpu_billing_table.up.sql
			),
			"  weights = ?",
		},
		"\n",
	)
}

// NewAccountsDB returns a new instance of accountsDB struct.
func NewAccountsDB(c *Config) (*accountsDB, error) {
	// Get file paths
	dbPath := filepath.Join(c.DataPath, base.AppName+".db")
	lastUpdateTimeStampFile := filepath.Join(c.DataPath, "lastupdatetime")

	lastUpdateTime, err := readLastUpdateTime(lastUpdateTimeStampFile, c.LastUpdateTimeString, c.Logger)
	if err != nil {
		return nil, err
	}

	// Setup manager struct that retrieves identity and job data
	manager, err := c.ResourceManager(c.Logger)
	if err != nil {
		c.Logger.Error("Source manager setup failed", "err", err)
		return nil, err
	}

	// Setup updater struct that enriches jobs
	jobUpdater, err := c.Updater(c.Logger)
	if err != nil {
		c.Logger.Error("Job updater setup failed", "err", err)
		return nil, err
	}

	// Setup DB
	db, err := setupDB(dbPath, c.Logger)
	if err != nil {
		c.Logger.Error("DB setup failed", "err", err)
		return nil, err
	}

	// Setup Migrator
	dbMigrator, err := migrator.New(MigrationsFS, migrationsDir, c.Logger)
	if err != nil {
		return nil, err
	}

	// Perform DB migrations
	if err = dbMigrator.ApplyMigrations(db); err != nil {
		return nil, err
	}

	storage := &storageConfig{
		dbPath:             dbPath,
		lastUpdateTime:     lastUpdateTime,
		lastUpdateTimeFile: lastUpdateTimeStampFile,
	}

	c.Logger.Debug("Storage config", "cfg", storage)

	return &accountsDB{
		logger:   c.Logger,
		db:       db,
		manager:  manager,
		updater:  jobUpdater,
		storage:  storage,
		matching: c.Matching,
		clusters: c.Clusters,
	}, nil
}

// DB returns the underlying DB handle for the HTTP server.
func (s *accountsDB) DB() *sql.DB {
	return s.db
}

// LastReport returns the matching report of the most recent collect cycle.
func (s *accountsDB) LastReport() *matching.Report {
	return s.report
}

// Collect runs one sync cycle. Users are matched and merged first so that
// job rows always join against up to date revisions, then billing snapshots
// are saved and newly scraped jobs are normalized and inserted.
func (s *accountsDB) Collect(ctx context.Context) error {
	currentTime := time.Now()

	report, err := s.syncUsers(currentTime)
	if err != nil {
		return err
	}

	s.report = report

	if err := s.saveBillings(); err != nil {
		return err
	}

	if err := s.getJobs(ctx, s.storage.lastUpdateTime, currentTime); err != nil {
		return err
	}

	// Write currentTime to file to keep track upon successful insertion of data
	s.storage.lastUpdateTime = currentTime
	writeTimeStampToFile(s.storage.lastUpdateTimeFile, s.storage.lastUpdateTime, s.logger)

	return nil
}

// Close DB connection.
func (s *accountsDB) Stop() error {
	return s.db.Close()
}

// syncUsers fetches identities and roster exports, matches them and applies
// the resulting revision writes in one transaction.
func (s *accountsDB) syncUsers(currentTime time.Time) (*matching.Report, error) {
	identities, err := s.manager.FetchIdentities()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identities: %w", err)
	}

	roster, err := s.manager.FetchRoster()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}

	matching.ResolveSupervisors(identities, s.logger)

	decisions := matching.NewMatcher(roster.Members, roster.Roles, s.matching, s.logger).Match(identities)

	active, err := s.activeUsers()
	if err != nil {
		return nil, err
	}

	writes := matching.ComputeWrites(active, decisions, currentTime)

	if err := s.applyWrites(writes); err != nil {
		return nil, err
	}

	s.logger.Info(
		"Users synced", "identities", len(identities), "revisions", len(writes),
		"skipped_roster_rows", roster.Skipped,
	)

	return matching.NewReport(decisions, roster.Skipped), nil
}

// applyWrites persists revision writes. A failed identity is logged and
// skipped, it does not abort the remaining identities.
func (s *accountsDB) applyWrites(writes []matching.Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin SQL transcation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	closeStmt, err := tx.Prepare(
		fmt.Sprintf("UPDATE %s SET record_end = ?, record_end_ts = ? WHERE id = ?", base.UsersDBTableName),
	)
	if err != nil {
		return fmt.Errorf("failed to prepare close statement: %w", err)
	}
	defer closeStmt.Close()

	insertStmt, err := tx.Prepare(prepareStatements[base.UsersDBTableName])
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	for _, w := range writes {
		// The close and insert of one identity must land together. Savepoints
		// give per identity atomicity inside the outer transaction.
		if _, err := tx.Exec("SAVEPOINT revise"); err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}

		if err := s.applyWrite(closeStmt, insertStmt, w); err != nil {
			s.logger.Error("Failed to persist user revision", "usr", w.Insert.MilaEmail, "err", err)

			if _, err := tx.Exec("ROLLBACK TO revise"); err != nil {
				return fmt.Errorf("failed to rollback savepoint: %w", err)
			}
		}

		if _, err := tx.Exec("RELEASE revise"); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SQL transcation: %w", err)
	}

	return nil
}

func (s *accountsDB) applyWrite(closeStmt, insertStmt *sql.Stmt, w matching.Write) error {
	if w.Close != nil {
		if _, err := closeStmt.Exec(w.Close.RecordEnd, w.Close.RecordEndTS, w.Close.ID); err != nil {
			return err
		}
	}

	u := w.Insert

	_, err := insertStmt.Exec(
		u.MilaEmail,
		u.MilaUsername,
		u.DisplayName,
		u.Status,
		u.Supervisor,
		u.CoSupervisor,
		u.DracUsername,
		u.DracEmail,
		u.DracDisplayName,
		u.MatchStatus,
		u.MatchConfidence,
		u.RecordStart,
		u.RecordStartTS,
		u.RecordEnd,
		u.RecordEndTS,
	)

	return err
}

// activeUsers returns the currently active revision per identity.
func (s *accountsDB) activeUsers() (map[string]models.UserRecord, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(
			"SELECT %s FROM %s WHERE record_end = ''",
			strings.Join(base.UsersDBTableColNames, ","),
			base.UsersDBTableName,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(models.UserRecord{}))
	active := make(map[string]models.UserRecord)

	for rows.Next() {
		var user models.UserRecord
		if err := structset.ScanRow(rows, base.UsersDBTableColNames, indexes, &user); err != nil {
			return nil, err
		}

		active[user.MilaEmail] = user
	}

	return active, rows.Err()
}

// saveBillings persists the configured billing snapshots. A snapshot is
// written only when it is new or its weights changed, so reruns over a
// stable config do not touch the table.
func (s *accountsDB) saveBillings() error {
	billings := configuredBillings(s.clusters)
	if len(billings) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin SQL transcation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectStmt, err := tx.Prepare(
		fmt.Sprintf(
			"SELECT weights FROM %s WHERE cluster_name = ? AND effective_since = ?",
			base.GPUBillingDBTableName,
		),
	)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}
	defer selectStmt.Close()

	upsertStmt, err := tx.Prepare(prepareStatements[base.GPUBillingDBTableName])
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer upsertStmt.Close()

	var saved int

	for _, b := range billings {
		var current models.FloatMap

		err := selectStmt.QueryRow(b.ClusterName, b.EffectiveSince).Scan(&current)
		if err == nil && current.Equals(b.Weights) {
			continue
		}

		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read billing snapshot: %w", err)
		}

		if _, err := upsertStmt.Exec(
			b.ClusterName, b.EffectiveSince, b.EffectiveSinceTS, b.Weights, b.Weights,
		); err != nil {
			return fmt.Errorf("failed to save billing snapshot: %w", err)
		}

		saved++
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SQL transcation: %w", err)
	}

	if saved > 0 {
		s.logger.Info("Billing snapshots saved", "count", saved)
	}

	return nil
}

// getJobs fetches jobs that started in the window, enriches them and
// inserts them into DB.
func (s *accountsDB) getJobs(ctx context.Context, startTime, endTime time.Time) error {
	jobs, err := s.manager.FetchJobs(startTime, endTime)
	if err != nil {
		return err
	}

	// Update jobs struct with normalized GPU allocations
	jobs = s.updater.Update(ctx, jobs)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin SQL transcation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(prepareStatements[base.JobsDBTableName])
	if err != nil {
		return fmt.Errorf("failed to prepare statement for table %s: %w", base.JobsDBTableName, err)
	}
	defer stmt.Close()

	s.execStatements(stmt, jobs, endTime)

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SQL transcation: %w", err)
	}

	return nil
}

// Insert jobs into DB.
func (s *accountsDB) execStatements(stmt *sql.Stmt, jobs []models.Job, currentTime time.Time) {
	lastUpdatedAt := currentTime.Format(base.DatetimeLayout)

	for _, job := range jobs {
		// Empty job
		if job.UUID == "" {
			continue
		}

		if _, err := stmt.Exec(
			job.ClusterName,
			job.UUID,
			job.User,
			job.StartedAt,
			job.StartedAtTS,
			job.GPUType,
			job.GresGPU,
			job.GPUTypeRGU,
			job.GresRGU,
			lastUpdatedAt,
			// ON CONFLICT placeholders
			job.User,
			job.GPUType,
			job.GresGPU,
			job.GPUTypeRGU,
			job.GresRGU,
			lastUpdatedAt,
		); err != nil {
			s.logger.Error("Failed to insert job in DB", "cluster", job.ClusterName, "uuid", job.UUID, "err", err)
		}
	}
}

// configuredBillings flattens the clusters config into billing rows.
func configuredBillings(clusters rgu.ClustersConfig) []models.GPUBilling {
	var billings []models.GPUBilling

	for _, cluster := range clusters.Clusters {
		for _, entry := range cluster.Billing {
			billings = append(billings, models.GPUBilling{
				ClusterName:      cluster.Name,
				EffectiveSince:   entry.Since.Format(time.DateOnly),
				EffectiveSinceTS: entry.Since.UnixMilli(),
				Weights:          models.FloatMap(entry.Weights),
			})
		}
	}

	return billings
}

func withoutID(cols []string) []string {
	var out []string

	for _, col := range cols {
		if col != "id" {
			out = append(out, col)
		}
	}

	return out
}

func placeholders(n int) string {
	return strings.Join(strings.Split(strings.Repeat("?", n), ""), ",")
}
