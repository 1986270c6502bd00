package scaffold

import (
	"embed"
	"fmt"
	"os"

	"github.com/stationhq/station/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the file Initialize writes into the current
// directory.
const ConfigFile = "station.yml"

// Initialize writes a starter station.yml into the current directory.
// If force is true, an existing station.yml is removed first.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	content, err := templatesFS.ReadFile("templates/station.yml.tmpl")
	if err != nil {
		return fmt.Errorf("failed to read station.yml template: %w", err)
	}

	if err := os.WriteFile(ConfigFile, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigFile, err)
	}

	return validateCreatedFile()
}

// handleForce removes an existing station.yml if --force was specified
func handleForce() error {
	if _, err := os.Stat(ConfigFile); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", ConfigFile)
		if err := os.Remove(ConfigFile); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
		}
	}
	return nil
}

// validateCreatedFile loads the generated file through the real config
// parser, so the template can never drift out of sync with the schema.
func validateCreatedFile() error {
	if _, err := config.Load(ConfigFile); err != nil {
		return fmt.Errorf("generated %s failed validation: %w", ConfigFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with next steps
func PrintSuccess() {
	fmt.Println("\n✅ Initialized station instance!")
	fmt.Println("\nCreated:")
	fmt.Println("  ✓ station.yml")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit station.yml to declare your own agents and Redis URL")
	fmt.Println("  2. Run 'stationd' to start the coordination hub")
	fmt.Println("  3. Run 'station mission create \"your first mission\"'")
}
