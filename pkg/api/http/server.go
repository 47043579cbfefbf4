// Package http implements the HTTP server handlers for different resource endpoints
package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	// Register the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/models"
)

// API Resources names.
const (
	usersResourceName   = "users"
	jobsResourceName    = "jobs"
	billingResourceName = "gpubillings"
)

// Custom errors.
var (
	errMalformedTimeStamp = errors.New("malformed timestamp")
)

// Config makes a server config from CLI args.
type Config struct {
	Logger           *slog.Logger
	Address          string
	WebSystemdSocket bool
	WebConfigFile    string
	DataPath         string
}

// APIServer struct implements the HTTP server serving users, jobs and
// billing resources.
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	db        *sql.DB
}

// Response defines the response model of APIServer.
type Response[T any] struct {
	Status    string    `json:"status"`
	Data      []T       `json:"data"`
	ErrorType errorType `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// Ping DB for connection test.
func getDBStatus(dbConn *sql.DB, logger *slog.Logger) bool {
	if err := dbConn.Ping(); err != nil {
		logger.Error("DB Ping failed", "err", err)

		return false
	}

	return true
}

// NewAPIServer creates new APIServer struct instance.
func NewAPIServer(c *Config) (*APIServer, error) {
	router := mux.NewRouter()
	server := &APIServer{
		logger: c.Logger,
		server: &http.Server{
			Addr:         c.Address,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{c.Address},
			WebSystemdSocket:   &c.WebSystemdSocket,
			WebConfigFile:      &c.WebConfigFile,
		},
	}

	router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html>
			<head><title>SARC API Server</title></head>
			<body>
			<h1>Cluster Usage Accounts</h1>
			<p><a href="./api/users">Users</a></p>
			<p><a href="./api/jobs">Jobs</a></p>
			<p><a href="./api/gpubillings">GPU Billings</a></p>
			</body>
			</html>`)) //nolint:errcheck
	})

	// Allow only GET methods
	router.HandleFunc("/api/health", server.health).Methods(http.MethodGet)
	router.HandleFunc("/api/"+usersResourceName, server.users).Methods(http.MethodGet)
	router.HandleFunc("/api/"+jobsResourceName, server.jobs).Methods(http.MethodGet)
	router.HandleFunc("/api/"+billingResourceName, server.billings).Methods(http.MethodGet)

	// Open DB connection
	var err error

	dbPath := filepath.Join(c.DataPath, base.AppName+".db")
	if server.db, err = sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000"); err != nil {
		return nil, err
	}

	return server, nil
}

// Start server.
func (s *APIServer) Start() error {
	s.logger.Info("Starting " + base.AppName)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	// Close DB connection
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close DB connection", "err", err)

		return err
	}

	// Shutdown the server
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown HTTP server", "err", err)

		return err
	}

	return nil
}

// Set response headers.
func (s *APIServer) setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// Check status of server.
func (s *APIServer) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if !getDBStatus(s.db, s.logger) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("KO")) //nolint:errcheck
	} else {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK")) //nolint:errcheck
	}
}

// users returns user revisions. Only active revisions are returned unless
// the history query parameter is set.
func (s *APIServer) users(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	q := Query{}
	q.query(
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(base.UsersDBTableColNames, ","), base.UsersDBTableName),
	)

	var conditions []func(*Query)

	if _, ok := r.URL.Query()["history"]; !ok {
		conditions = append(conditions, func(q *Query) {
			q.query("record_end = ''")
		})
	}

	if emails := r.URL.Query()["email"]; len(emails) > 0 {
		conditions = append(conditions, func(q *Query) {
			q.query("mila_email_username IN ")
			q.param(emails)
		})
	}

	if statuses := r.URL.Query()["match_status"]; len(statuses) > 0 {
		conditions = append(conditions, func(q *Query) {
			q.query("match_status IN ")
			q.param(statuses)
		})
	}

	applyConditions(&q, conditions)
	q.query(" ORDER BY mila_email_username,record_start_ts")

	respond[models.UserRecord](s, w, r, q)
}

// jobs returns job rows, optionally filtered by cluster, user and start
// time window.
func (s *APIServer) jobs(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	q := Query{}
	q.query(
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(base.JobsDBTableColNames, ","), base.JobsDBTableName),
	)

	var conditions []func(*Query)

	if clusters := r.URL.Query()["cluster"]; len(clusters) > 0 {
		conditions = append(conditions, func(q *Query) {
			q.query("cluster_name IN ")
			q.param(clusters)
		})
	}

	if users := r.URL.Query()["usr"]; len(users) > 0 {
		conditions = append(conditions, func(q *Query) {
			q.query("usr IN ")
			q.param(users)
		})
	}

	for _, window := range []struct {
		param    string
		operator string
	}{
		{"from", ">="},
		{"to", "<="},
	} {
		if value := r.URL.Query().Get(window.param); value != "" {
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				s.logger.Error("Failed to parse timestamp", "param", window.param, "value", value, "err", err)
				errorResponse[any](
					w, &apiError{errorBadData, fmt.Errorf("%w: %s", errMalformedTimeStamp, window.param)},
					s.logger, nil,
				)

				return
			}

			operator := window.operator
			conditions = append(conditions, func(q *Query) {
				q.query("started_at_ts " + operator + " ")
				q.param([]string{strconv.FormatInt(time.Unix(ts, 0).UnixMilli(), 10)})
			})
		}
	}

	applyConditions(&q, conditions)
	q.query(" ORDER BY started_at_ts")

	respond[models.Job](s, w, r, q)
}

// billings returns the billing snapshots known to the server.
func (s *APIServer) billings(w http.ResponseWriter, r *http.Request) {
	s.setHeaders(w)

	q := Query{}
	q.query(
		fmt.Sprintf(
			"SELECT %s FROM %s",
			strings.Join(base.GPUBillingDBTableColNames, ","),
			base.GPUBillingDBTableName,
		),
	)

	var conditions []func(*Query)

	if clusters := r.URL.Query()["cluster"]; len(clusters) > 0 {
		conditions = append(conditions, func(q *Query) {
			q.query("cluster_name IN ")
			q.param(clusters)
		})
	}

	applyConditions(&q, conditions)
	q.query(" ORDER BY cluster_name,effective_since_ts")

	respond[models.GPUBilling](s, w, r, q)
}

// respond runs the query and writes the enveloped response. Rows that fail
// to scan are dropped and reported as warnings, the request fails only when
// no row could be served at all.
func respond[T any](s *APIServer, w http.ResponseWriter, r *http.Request, q Query) {
	values, err := Querier[T](r.Context(), s.db, q, s.logger)
	if err != nil && len(values) == 0 {
		errorResponse[any](w, &apiError{errorExec, err}, s.logger, nil)

		return
	}

	response := Response[T]{
		Status: "success",
		Data:   values,
	}
	if err != nil {
		response.Warnings = []string{err.Error()}
	}
	if err = json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Failed to encode response", "err", err)
		w.Write([]byte("KO")) //nolint:errcheck
	}
}

// applyConditions joins accumulated conditions into the WHERE clause.
func applyConditions(q *Query, conditions []func(*Query)) {
	for i, condition := range conditions {
		if i == 0 {
			q.query(" WHERE ")
		} else {
			q.query(" AND ")
		}

		condition(q)
	}
}
