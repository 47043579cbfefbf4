// Package cli implements the CLI of the SARC API server app
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"github.com/mila-iqia/sarc/internal/common"
	"github.com/mila-iqia/sarc/pkg/api/base"
	"github.com/mila-iqia/sarc/pkg/api/db"
	"github.com/mila-iqia/sarc/pkg/api/http"
	"github.com/mila-iqia/sarc/pkg/api/resource"
	"github.com/mila-iqia/sarc/pkg/api/updater"
	"github.com/mila-iqia/sarc/pkg/matching"
	"github.com/mila-iqia/sarc/pkg/rgu"
)

// AppConfig contains the configuration of the SARC API server.
type AppConfig struct {
	Server ServerConfig `yaml:"sarc_api_server"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *AppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = AppConfig{
		ServerConfig{
			Data: DataConfig{
				Path:           "data",
				UpdateInterval: model.Duration(15 * time.Minute),
				LastUpdateTime: time.Now().Format(time.DateOnly),
			},
		},
	}

	type plain AppConfig

	return unmarshal((*plain)(c))
}

// ServerConfig contains the server part of the config file.
type ServerConfig struct {
	Data     DataConfig      `yaml:"data"`
	Matching matching.Config `yaml:"matching"`
}

// DataConfig is the data directory and sync cadence configuration.
type DataConfig struct {
	Path           string         `yaml:"path"`
	UpdateInterval model.Duration `yaml:"update_interval"`
	LastUpdateTime string         `yaml:"last_update_time"`
}

// SARCServer represents the `sarc_api_server` cli.
type SARCServer struct {
	appName string
	App     kingpin.Application
}

// NewSARCServer creates a new SARCServer instance.
func NewSARCServer() (*SARCServer, error) {
	return &SARCServer{
		appName: base.AppName,
		App:     base.App,
	}, nil
}

// Main is the entry point of the `sarc_api_server` command.
func (b *SARCServer) Main() error {
	var (
		webListenAddresses = b.App.Flag(
			"web.listen-address",
			"Addresses on which to expose the API and web interface.",
		).Default(":9020").String()
		webConfigFile = b.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("SARC_API_SERVER_WEB_CONFIG_FILE").Default("").String()
		configFile = b.App.Flag(
			"config.file",
			"Path to SARC API server configuration file.",
		).Envar("SARC_API_SERVER_CONFIG_FILE").Default("").String()
		printReport = b.App.Flag(
			"matching.report",
			"Print a matching summary table after every sync cycle. (default is false)",
		).Default("false").Bool()
		maxProcs = b.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }()
	if runtime.GOOS == "linux" {
		systemdSocket = b.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&b.App, promslogConfig)
	b.App.Version(version.Print(b.appName))
	b.App.UsageWriter(os.Stdout)
	b.App.HelpFlag.Short('h')

	_, err := b.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Get absolute config file path global variable that will be used in
	// source and updater packages
	base.ConfigFilePath, err = filepath.Abs(*configFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of the config file: %w", err)
	}

	// Make config from file
	config, err := common.MakeConfig[AppConfig](*configFile)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// The clusters section is read by the updater as well, parse it the
	// same way here
	clusters, err := common.MakeConfig[rgu.ClustersConfig](*configFile)
	if err != nil {
		return fmt.Errorf("failed to parse clusters config: %w", err)
	}

	// Setup data directories
	if config, err = createDirs(config); err != nil {
		return err
	}

	// Set logger here after properly configuring promslog
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+b.appName, "version", version.Info())
	logger.Info("Build context", "build_context", version.BuildContext())

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Make DB config
	dbConfig := &db.Config{
		Logger:               logger,
		DataPath:             config.Server.Data.Path,
		LastUpdateTimeString: config.Server.Data.LastUpdateTime,
		Matching:             config.Server.Matching,
		Clusters:             *clusters,
		ResourceManager:      resource.New,
		Updater:              updater.New,
	}

	// Make server config
	serverConfig := &http.Config{
		Logger:           logger,
		Address:          *webListenAddresses,
		WebSystemdSocket: *systemdSocket,
		WebConfigFile:    *webConfigFile,
		DataPath:         config.Server.Data.Path,
	}

	// Create DB instance first so that the server finds the DB file
	collector, err := db.NewAccountsDB(dbConfig)
	if err != nil {
		logger.Error("Failed to create sarc_api_server DB", "err", err)

		return err
	}

	// Create server instance
	apiServer, err := http.NewAPIServer(serverConfig)
	if err != nil {
		logger.Error("Failed to create sarc_api_server server", "err", err)

		return err
	}

	// Declare wait group and tickers
	var wg sync.WaitGroup

	dbUpdateTicker := time.NewTicker(time.Duration(config.Server.Data.UpdateInterval))

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			// This will ensure that we will run the method as soon as go routine
			// starts instead of waiting for ticker to tick
			logger.Info("Updating SARC DB")

			if err := collector.Collect(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}

				logger.Error("Failed to update DB", "err", err)
			} else if *printReport {
				if report := collector.LastReport(); report != nil {
					report.WriteTable(os.Stdout)
				}
			}

			select {
			case <-dbUpdateTicker.C:
				continue
			case <-ctx.Done():
				logger.Info("Received Interrupt. Stopping DB update")

				return
			}
		}
	}()

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("Failed to start server", "err", err)
		}
	}()

	// Listen for the interrupt signal.
	<-ctx.Done()

	// Stop tickers
	dbUpdateTicker.Stop()

	// Wait for all DB go routines to finish
	wg.Wait()

	// Close DB only after all DB go routines are done
	if err := collector.Stop(); err != nil {
		logger.Error("Failed to close DB connection", "err", err)
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	logger.Info("Server exiting")

	return nil
}

// createDirs makes the data directory and sets its path to absolute in config.
func createDirs(config *AppConfig) (*AppConfig, error) {
	var err error

	config.Server.Data.Path, err = filepath.Abs(config.Server.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for data.path=%s: %w", config.Server.Data.Path, err)
	}

	// Check if config.Data.Path exists and create one if it does not
	if _, err := os.Stat(config.Server.Data.Path); os.IsNotExist(err) {
		if err := os.MkdirAll(config.Server.Data.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return config, nil
}
