package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	At          time.Time `json:"at"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// MigrateConfig upgrades cfg in place to the current version. A backup of the
// file at configPath is written first when it exists.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
		At:          time.Now(),
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 fills in the sections version 2 introduced.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	def := DefaultConfig()

	if cfg.Notify.Backend == "" {
		cfg.Notify = def.Notify
		changes = append(changes, "added notify configuration")
	}
	if cfg.History.Path == "" {
		cfg.History = def.History
		changes = append(changes, "added history configuration")
	}
	if cfg.Resolve.Samples == 0 {
		cfg.Resolve.Samples = def.Resolve.Samples
		changes = append(changes, "set default resolve.samples")
	}
	if cfg.Actions.SaveIntervalMs > 10000 {
		warnings = append(warnings, fmt.Sprintf("actions.save_interval_ms is %d; edits made shortly before a crash may be lost", cfg.Actions.SaveIntervalMs))
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// VerbosityLevel maps a -v count to a log level.
func VerbosityLevel(verbosity int) string {
	switch {
	case verbosity >= 2:
		return "debug"
	case verbosity == 1:
		return "info"
	}
	return "warn"
}

// MigrateLegacyConfig converts the flat key/value settings of version 0 into a
// configuration.
func MigrateLegacyConfig(data map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Version = 1

	if v, ok := data["config_dir"].(string); ok && v != "" {
		cfg.Paths.ConfigDir = strings.TrimSuffix(v, string(filepath.Separator))
	}
	if v, ok := data["verbosity"].(float64); ok {
		cfg.Logging.Level = VerbosityLevel(int(v))
	}
	if v, ok := data["save_interval_ms"].(float64); ok {
		cfg.Actions.SaveIntervalMs = int(v)
	}
	if v, ok := data["socket"].(string); ok && v != "" {
		cfg.IPC.SocketPath = v
	}
	if v, ok := data["shell"].(string); ok && v != "" {
		cfg.Resolve.Shell = v
	}

	if _, err := MigrateConfig(cfg, ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in the format its extension names (TOML by
// default).
func SaveConfig(cfg *Config, path string) error {
	snapshot := cfg.Clone()

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(snapshot, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(snapshot)
	default:
		var buf bytes.Buffer
		buf.WriteString("# strokebind configuration\n")
		err = toml.NewEncoder(&buf).Encode(snapshot)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func migrationHistoryPath(cfg *Config) string {
	return filepath.Join(cfg.Paths.ConfigDir, "migration_history.json")
}

// GetMigrationHistory returns the recorded migrations, if any.
func GetMigrationHistory(cfg *Config) ([]MigrationResult, error) {
	data, err := os.ReadFile(migrationHistoryPath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends result to the history file.
func SaveMigrationHistory(cfg *Config, result *MigrationResult) error {
	history, err := GetMigrationHistory(cfg)
	if err != nil {
		history = nil
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}
	path := migrationHistoryPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
