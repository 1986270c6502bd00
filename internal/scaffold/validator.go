package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting returns an error if a station.yml already exists in the
// current directory.
func CheckExisting() error {
	if _, err := os.Stat(ConfigFile); err == nil {
		return fmt.Errorf("instance already initialized\n\nFound existing: %s\n\nUse 'station init --force' to reinitialize (this will overwrite existing configuration)", ConfigFile)
	}
	return nil
}
