package http

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

func setupTestServer(t *testing.T) *APIServer {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "failed to create test DB")

	for _, stmt := range []string{
		`CREATE TABLE users (
			id integer not null primary key, mila_email_username text not null,
			mila_cluster_username text not null default '', display_name text not null default '',
			status text not null default '', supervisor text not null default '',
			co_supervisor text not null default '', drac_username text not null default '',
			drac_email text not null default '', drac_display_name text not null default '',
			match_status text not null default '', match_confidence text not null default '',
			record_start text not null default '', record_start_ts integer not null default 0,
			record_end text not null default '', record_end_ts integer not null default 0
		)`,
		`CREATE TABLE jobs (
			id integer not null primary key, cluster_name text not null, uuid text not null,
			usr text not null default '', started_at text not null default '',
			started_at_ts integer not null default 0, gpu_type text not null default '',
			gres_gpu real, gpu_type_rgu real, gres_rgu real, last_updated_at text not null default ''
		)`,
		`CREATE TABLE gpu_billing (
			id integer not null primary key, cluster_name text not null, effective_since text not null,
			effective_since_ts integer not null default 0, weights text not null default '{}'
		)`,
		`INSERT INTO users (mila_email_username, drac_username, match_status, record_start, record_start_ts)
			VALUES ('alice@mila.quebec', 'alice01', 'matched', '2025-01-01T00:00:00', 1735689600000)`,
		`INSERT INTO users (mila_email_username, match_status, record_start, record_start_ts, record_end, record_end_ts)
			VALUES ('alice@mila.quebec', 'unmatched', '2024-01-01T00:00:00', 1704067200000, '2025-01-01T00:00:00', 1735689600000)`,
		`INSERT INTO jobs (cluster_name, uuid, usr, started_at, started_at_ts, gpu_type, gres_gpu, gpu_type_rgu, gres_rgu)
			VALUES ('mila', '1234', 'alice', '2025-03-01T12:00:00', 1740830400000, 'A100', 2, 3.21, 6.42)`,
		`INSERT INTO jobs (cluster_name, uuid, usr, started_at, started_at_ts, gpu_type, gres_gpu, gpu_type_rgu, gres_rgu)
			VALUES ('raisin', '5678', 'bob', '2025-03-02T12:00:00', 1740916800000, 'Unknown GPU', NULL, NULL, NULL)`,
		`INSERT INTO gpu_billing (cluster_name, effective_since, effective_since_ts, weights)
			VALUES ('raisin', '2023-02-15', 1676419200000, '{"A100": 50}')`,
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err, "failed to populate test DB")
	}

	server := &APIServer{
		logger: slog.New(slog.DiscardHandler),
		db:     db,
	}

	t.Cleanup(func() { db.Close() })

	return server
}

func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) Response[T] {
	t.Helper()

	body, err := io.ReadAll(rr.Result().Body)
	require.NoError(t, err)

	var response Response[T]

	require.NoError(t, json.Unmarshal(body, &response))

	return response
}

func TestUsersHandler(t *testing.T) {
	server := setupTestServer(t)

	// Default: only active revisions
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rr := httptest.NewRecorder()
	server.users(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	response := decodeResponse[models.UserRecord](t, rr)
	assert.Equal(t, "success", response.Status)
	require.Len(t, response.Data, 1)
	assert.Equal(t, "alice01", response.Data[0].DracUsername)
	assert.True(t, response.Data[0].Active())

	// Full history on request
	req = httptest.NewRequest(http.MethodGet, "/api/users?history", nil)
	rr = httptest.NewRecorder()
	server.users(rr, req)

	response = decodeResponse[models.UserRecord](t, rr)
	assert.Len(t, response.Data, 2)

	// Filter on email with no active revision match
	req = httptest.NewRequest(http.MethodGet, "/api/users?email=bob@mila.quebec", nil)
	rr = httptest.NewRecorder()
	server.users(rr, req)

	response = decodeResponse[models.UserRecord](t, rr)
	assert.Empty(t, response.Data)
}

// A row that cannot be scanned is dropped with a warning instead of failing
// the whole request. Databases written before the NOT NULL schema can still
// carry NULL text columns.
func TestUsersHandlerSkipsUnscannableRows(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "failed to create test DB")

	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE users (
			id integer not null primary key, mila_email_username text default '',
			mila_cluster_username text default '', display_name text default '',
			status text default '', supervisor text default '', co_supervisor text default '',
			drac_username text default '', drac_email text default '', drac_display_name text default '',
			match_status text default '', match_confidence text default '',
			record_start text default '', record_start_ts integer default 0,
			record_end text default '', record_end_ts integer default 0
		)`,
		`INSERT INTO users (mila_email_username, display_name, match_status)
			VALUES ('alice@mila.quebec', 'Alice Tremblay', 'matched')`,
		`INSERT INTO users (mila_email_username, display_name, match_status)
			VALUES ('carol@mila.quebec', NULL, 'unmatched')`,
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err, "failed to populate test DB")
	}

	server := &APIServer{
		logger: slog.New(slog.DiscardHandler),
		db:     db,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users?history", nil)
	rr := httptest.NewRecorder()
	server.users(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	response := decodeResponse[models.UserRecord](t, rr)
	assert.Equal(t, "success", response.Status)
	require.Len(t, response.Data, 1)
	assert.Equal(t, "alice@mila.quebec", response.Data[0].MilaEmail)
	assert.NotEmpty(t, response.Warnings)
}

func TestJobsHandler(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rr := httptest.NewRecorder()
	server.jobs(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	response := decodeResponse[models.Job](t, rr)
	require.Len(t, response.Data, 2)

	// Undefined RGU columns serialize as null and scan back as NaN
	assert.True(t, response.Data[1].GresRGU.IsNaN())

	// Cluster filter
	req = httptest.NewRequest(http.MethodGet, "/api/jobs?cluster=mila", nil)
	rr = httptest.NewRecorder()
	server.jobs(rr, req)

	response = decodeResponse[models.Job](t, rr)
	require.Len(t, response.Data, 1)
	assert.Equal(t, "1234", response.Data[0].UUID)
	assert.InEpsilon(t, 6.42, float64(response.Data[0].GresRGU), 1e-9)

	// Malformed from timestamp
	req = httptest.NewRequest(http.MethodGet, "/api/jobs?from=tomorrow", nil)
	rr = httptest.NewRecorder()
	server.jobs(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBillingsHandler(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/gpubillings", nil)
	rr := httptest.NewRecorder()
	server.billings(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	response := decodeResponse[models.GPUBilling](t, rr)
	require.Len(t, response.Data, 1)
	assert.Equal(t, "raisin", response.Data[0].ClusterName)
	assert.InEpsilon(t, 50.0, response.Data[0].Weights["A100"], 1e-9)

	req = httptest.NewRequest(http.MethodGet, "/api/gpubillings?cluster=mila", nil)
	rr = httptest.NewRecorder()
	server.billings(rr, req)

	response = decodeResponse[models.GPUBilling](t, rr)
	assert.Empty(t, response.Data)
}

func TestHealthHandler(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.health(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
