// Package base defines the names and variables that have global scope
// throughout which can be used in other subpackages
package base

import (
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/mila-iqia/sarc/pkg/api/models"
)

// AppName is kingpin app name.
const AppName = "sarc_api_server"

// App is kingpin CLI app.
var App = *kingpin.New(
	AppName,
	"API server aggregating cluster usage data, account matching and RGU normalization.",
)

// DB table names.
var (
	UsersDBTableName      = models.UserRecord{}.TableName()
	JobsDBTableName       = models.Job{}.TableName()
	GPUBillingDBTableName = models.GPUBilling{}.TableName()
)

// Slice of all DB column names per table.
var (
	UsersDBTableColNames      = models.UserRecord{}.TagNames("sql")
	JobsDBTableColNames       = models.Job{}.TagNames("sql")
	GPUBillingDBTableColNames = models.GPUBilling{}.TagNames("sql")
)

// Map of DB column names to DB column type.
var (
	UsersDBTableColTypeMap      = models.UserRecord{}.TagMap("sql", "sqlitetype")
	JobsDBTableColTypeMap       = models.Job{}.TagMap("sql", "sqlitetype")
	GPUBillingDBTableColTypeMap = models.GPUBilling{}.TagMap("sql", "sqlitetype")
)

// DatetimeLayout to be used in the package.
var DatetimeLayout = fmt.Sprintf("%sT%s", time.DateOnly, time.TimeOnly)

// ConfigFilePath is the absolute path of the config file, set by the CLI and
// read by the updater package.
var ConfigFilePath string
