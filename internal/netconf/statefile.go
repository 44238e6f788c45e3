package netconf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const stateFileHeader = "# This is private data. Do not parse.\n"

// writeStateFile atomically rewrites a per-link state file: write to a
// temp file, 0644, rename over the target. leasePath is included only
// while a lease is held.
func writeStateFile(path, state, leasePath string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create state dir: %w", err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("could not create temp state file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := fmt.Fprint(pf, stateFileHeader); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(pf, "STATE=%s\n", state); err != nil {
		return err
	}
	if leasePath != "" {
		if _, err := fmt.Fprintf(pf, "DHCP_LEASE=%s\n", leasePath); err != nil {
			return err
		}
	}

	return pf.CloseAtomicallyReplace()
}
