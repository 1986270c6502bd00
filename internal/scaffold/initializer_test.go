package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stationhq/station/internal/config"
)

// chdirTemp moves the test into a fresh temp directory and restores the
// working directory on cleanup.
func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(originalDir) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	return tmpDir
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name:      "fresh initialization",
			force:     false,
			setupFunc: func(dir string) {},
			wantErr:   false,
		},
		{
			name:  "force initialization replaces existing file",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte("old content"), 0644)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			err := Initialize(tt.force)
			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// The generated file must pass the real config parser, not just
			// be well formed YAML.
			cfg, err := config.Load(filepath.Join(tmpDir, ConfigFile))
			if err != nil {
				t.Fatalf("generated station.yml does not load: %v", err)
			}
			if len(cfg.Agents) == 0 {
				t.Error("generated station.yml declares no agents")
			}
		})
	}
}

func TestHandleForce(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
	}{
		{
			name: "removes existing station.yml",
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte("content"), 0644)
			},
		},
		{
			name:      "handles when file doesn't exist",
			setupFunc: func(dir string) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			if err := handleForce(); err != nil {
				t.Errorf("handleForce() error = %v", err)
				return
			}

			if _, err := os.Stat(filepath.Join(tmpDir, ConfigFile)); err == nil {
				t.Errorf("%s should have been removed", ConfigFile)
			}
		})
	}
}

func TestValidateCreatedFile(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name: "valid config",
			setupFunc: func(dir string) {
				valid := `version: "1.0"
instance: test
redis:
  url: redis://localhost:6379/0
agents:
  helper:
    capabilities:
      - CONVERSATION
`
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte(valid), 0644)
			},
			wantErr: false,
		},
		{
			name: "well formed YAML that fails validation",
			setupFunc: func(dir string) {
				invalid := `version: "1.0"
instance: test
redis:
  url: redis://localhost:6379/0
agents: {}
`
				os.WriteFile(filepath.Join(dir, ConfigFile), []byte(invalid), 0644)
			},
			wantErr: true,
		},
		{
			name:      "missing file",
			setupFunc: func(dir string) {},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			err := validateCreatedFile()
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCreatedFile() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
