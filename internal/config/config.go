// Package config loads the host's settings from a YAML file and watches it
// for changes, so edits take effect without restarting the session.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"MapBoard/internal/state"
)

// Config is the host-side configuration. All fields have workable defaults;
// the file may be absent entirely.
type Config struct {
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	SessionName string `yaml:"session_name" validate:"required"`
	DataDir     string `yaml:"data_dir" validate:"required"`

	PermissionDurationSeconds int    `yaml:"permission_duration_seconds" validate:"min=5"`
	ReapplyCooldownSeconds    int    `yaml:"reapply_cooldown_seconds" validate:"min=0"`
	GuestEditMode             string `yaml:"guest_edit_mode" validate:"oneof=REQUEST FREE"`
}

var validate = validator.New()

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Port:                      8891,
		SessionName:               "mapboard",
		DataDir:                   ".",
		PermissionDurationSeconds: 60,
		ReapplyCooldownSeconds:    10,
		GuestEditMode:             string(state.EditModeRequest),
	}
}

// Load reads the config at path, layering it over the defaults. A missing
// file yields the defaults; a malformed or invalid file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// HostSettings converts the config into the replicated settings document.
func (c Config) HostSettings() state.HostSettings {
	return state.HostSettings{
		PermissionDuration: c.PermissionDurationSeconds,
		ReapplyCooldown:    c.ReapplyCooldownSeconds,
		GuestEditMode:      state.GuestEditMode(c.GuestEditMode),
	}
}

// Watch reloads the config whenever the file is rewritten and hands the new
// value to onChange. Invalid rewrites are logged and skipped, keeping the
// last good config in effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, log *zap.Logger, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors typically replace the file, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("ignoring config rewrite", zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", path))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}
