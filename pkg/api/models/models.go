// Package models defines different models used in SARC
package models

import (
	"github.com/mila-iqia/sarc/internal/structset"
)

const (
	usersTableName      = "users"
	jobsTableName       = "jobs"
	gpuBillingTableName = "gpu_billing"
)

// Match statuses of a user record.
const (
	MatchStatusMatched   = "matched"
	MatchStatusUnmatched = "unmatched"
	MatchStatusIgnored   = "ignored"
	MatchStatusOverride  = "manual_override"
)

// UserRecord is one time-bounded revision of a person. The internal identity
// block comes from the institutional directory, the external block from the
// compute federation roster. The currently valid revision has no record end.
type UserRecord struct {
	ID              int64  `json:"-"                               sql:"id"                    sqlitetype:"integer not null primary key"`
	MilaEmail       string `json:"mila_email_username"             sql:"mila_email_username"   sqlitetype:"text"`    // Email username in internal directory. Identity key across revisions
	MilaUsername    string `json:"mila_cluster_username,omitempty" sql:"mila_cluster_username" sqlitetype:"text"`    // Username on the internal cluster
	DisplayName     string `json:"display_name,omitempty"          sql:"display_name"          sqlitetype:"text"`    // Display name in internal directory
	Status          string `json:"status,omitempty"                sql:"status"                sqlitetype:"text"`    // Account status in internal directory. Eg enabled, disabled, unknown
	Supervisor      string `json:"supervisor,omitempty"            sql:"supervisor"            sqlitetype:"text"`    // Email username of supervisor, when resolved
	CoSupervisor    string `json:"co_supervisor,omitempty"         sql:"co_supervisor"         sqlitetype:"text"`    // Email username of co-supervisor, when resolved
	DracUsername    string `json:"drac_username,omitempty"         sql:"drac_username"         sqlitetype:"text"`    // Username on the external federation. Empty when unmatched
	DracEmail       string `json:"drac_email,omitempty"            sql:"drac_email"            sqlitetype:"text"`    // Email registered on the external federation
	DracDisplayName string `json:"drac_display_name,omitempty"     sql:"drac_display_name"     sqlitetype:"text"`    // Display name on the external federation
	MatchStatus     string `json:"match_status"                    sql:"match_status"          sqlitetype:"text"`    // Outcome of account matching. Eg matched, unmatched, ignored, manual_override
	MatchConfidence string `json:"match_confidence,omitempty"      sql:"match_confidence"      sqlitetype:"text"`    // Confidence of the match. Eg exact, high
	RecordStart     string `json:"record_start"                    sql:"record_start"          sqlitetype:"text"`    // Time at which this revision became valid
	RecordStartTS   int64  `json:"record_start_ts"                 sql:"record_start_ts"       sqlitetype:"integer"` // Validity start timestamp
	RecordEnd       string `json:"record_end,omitempty"            sql:"record_end"            sqlitetype:"text"`    // Time at which this revision was closed. Empty for the active revision
	RecordEndTS     int64  `json:"record_end_ts,omitempty"         sql:"record_end_ts"         sqlitetype:"integer"` // Validity end timestamp. Zero for the active revision
}

// TableName returns the table which user records are stored into.
func (UserRecord) TableName() string {
	return usersTableName
}

// TagNames returns a slice of all tag names.
func (u UserRecord) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(u, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (u UserRecord) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(u, keyTag, valueTag)
}

// Active returns true for the currently valid revision of a user.
func (u UserRecord) Active() bool {
	return u.RecordEnd == ""
}

// Job is one job's resource allocation snapshot scraped from a cluster.
// The RGU updater mutates GresGPU, GPUTypeRGU and GresRGU in place; NaN in
// those columns means the value is undefined for this row.
type Job struct {
	ID            int64     `json:"-"                      sql:"id"              sqlitetype:"integer not null primary key"`
	ClusterName   string    `json:"cluster_name"           sql:"cluster_name"    sqlitetype:"text"`    // Name of the cluster that ran the job
	UUID          string    `json:"uuid"                   sql:"uuid"            sqlitetype:"text"`    // Unique identifier of the job
	User          string    `json:"user,omitempty"         sql:"usr"             sqlitetype:"text"`    // Username of the job owner on the cluster
	StartedAt     string    `json:"started_at"             sql:"started_at"      sqlitetype:"text"`    // Job start time with zone
	StartedAtTS   int64     `json:"started_at_ts"          sql:"started_at_ts"   sqlitetype:"integer"` // Job start timestamp
	GPUType       string    `json:"gpu_type,omitempty"     sql:"gpu_type"        sqlitetype:"text"`    // GPU model allocated to the job. Empty for CPU only jobs
	GresGPU       JSONFloat `json:"gres_gpu"               sql:"gres_gpu"        sqlitetype:"real"`    // Allocated GPU count. May be a billing scaled pseudo count before normalization
	GPUTypeRGU    JSONFloat `json:"gpu_type_rgu,omitempty" sql:"gpu_type_rgu"    sqlitetype:"real"`    // RGU per physical GPU for the job's GPU type
	GresRGU       JSONFloat `json:"gres_rgu,omitempty"     sql:"gres_rgu"        sqlitetype:"real"`    // Total RGU for the job
	LastUpdatedAt string    `json:"-"                      sql:"last_updated_at" sqlitetype:"text"`    // Last updated time
}

// TableName returns the table which jobs are stored into.
func (Job) TableName() string {
	return jobsTableName
}

// TagNames returns a slice of all tag names.
func (j Job) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(j, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (j Job) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(j, keyTag, valueTag)
}

// GPUBilling is one billing schedule snapshot of a cluster. Snapshots for a
// cluster are ordered by EffectiveSince and each one applies until the next.
type GPUBilling struct {
	ID               int64    `json:"-"               sql:"id"                 sqlitetype:"integer not null primary key"`
	ClusterName      string   `json:"cluster_name"    sql:"cluster_name"       sqlitetype:"text"`    // Cluster the schedule belongs to
	EffectiveSince   string   `json:"effective_since" sql:"effective_since"    sqlitetype:"text"`    // Date from which this snapshot applies
	EffectiveSinceTS int64    `json:"-"               sql:"effective_since_ts" sqlitetype:"integer"` // Snapshot start timestamp
	Weights          FloatMap `json:"weights"         sql:"weights"            sqlitetype:"text"`    // GPU type to billing weight map
}

// TableName returns the table which billing snapshots are stored into.
func (GPUBilling) TableName() string {
	return gpuBillingTableName
}

// TagNames returns a slice of all tag names.
func (g GPUBilling) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(g, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (g GPUBilling) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(g, keyTag, valueTag)
}
