//go:build cgo
// +build cgo

package main

// We need to import each source and updater package here.
import (
	"log"
	"os"

	"github.com/mila-iqia/sarc/pkg/api/cli"
	_ "github.com/mila-iqia/sarc/pkg/api/resource/file"
	_ "github.com/mila-iqia/sarc/pkg/api/updater/rgu"
)

// Main entry point for `sarc_api_server` app.
func main() {
	// Create a new app
	server, err := cli.NewSARCServer()
	if err != nil {
		panic("Failed to create an instance of SARC API Server App")
	}

	// Main entrypoint of the app
	if err := server.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
