package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/re-cinq/agentgate/internal/app"
	"github.com/re-cinq/agentgate/internal/audit"
)

// defaultStoreDir mirrors the teacher's default-config-in-cwd convention,
// adapted to agentgate's directory-of-state shape: "line.yaml" becomes
// "./.agentgate" so a fresh checkout works with no flags.
func defaultStoreDir() string {
	return ".agentgate"
}

// openApp constructs an App over the --store-dir/--sandbox flags, the way
// the teacher's loadAndValidateConfig opens a config file: fail loudly to
// stderr and return the error for cobra to surface as a non-zero exit.
func openApp() (*app.App, error) {
	mode := app.SandboxSubprocess
	if sandboxMode == "container" {
		mode = app.SandboxContainer
	}
	a, err := app.New(app.Config{
		StoreDir:      storeDir,
		MaxQueueSize:  100,
		MaxConcurrent: 4,
		SandboxMode:   mode,
		Audit: audit.Config{
			Destination: audit.DestinationFile,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}
	return a, nil
}

// short truncates a hash-like string to 8 characters for compact display,
// same convention the teacher's status command uses.
func short(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
