// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package valves provides configuration for the filter service.
//
// Following the host's vocabulary, a configuration field is a "valve".
// Valves load from environment variables, with an optional YAML overlay
// file for deployments that prefer files over env. The overlay file can
// be watched, so editing it reconfigures the running service the same
// way POST /v1/filter/valves does.
//
// The Langfuse secret key is sealed into a memguard enclave immediately
// after load and only materialized per request for basic auth.
package valves

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tracegate/tracegate/pkg/logging"
)

// =============================================================================
// Valves
// =============================================================================

// Valves holds the filter service configuration.
//
// # Fields
//
//   - PublicKey, SecretKey, Host: Langfuse credentials and endpoint.
//     SecretKey is cleared after Seal(); read it via Secret().
//   - UseModelName: emit the model display name instead of the model id
//     on generation records.
//   - Debug: verbose logging.
//   - InsertTags: attach the marker and task tags to traces.
//   - Port: HTTP listen port for the hook endpoints.
//   - PendingTurnTTL: idle time after which buffered conversation state
//     is reaped.
//   - FlushInterval, FlushBatchSize: ingestion batching knobs.
//   - ValvesFile: optional YAML overlay, watched for changes when set.
type Valves struct {
	PublicKey      string        `envconfig:"LANGFUSE_PUBLIC_KEY" yaml:"public_key"`
	SecretKey      string        `envconfig:"LANGFUSE_SECRET_KEY" yaml:"secret_key"`
	Host           string        `envconfig:"LANGFUSE_HOST" default:"https://cloud.langfuse.com" yaml:"host" validate:"omitempty,url"`
	UseModelName   bool          `envconfig:"USE_MODEL_NAME" yaml:"use_model_name"`
	Debug          bool          `envconfig:"DEBUG_MODE" yaml:"debug"`
	InsertTags     bool          `envconfig:"INSERT_TAGS" default:"true" yaml:"insert_tags"`
	Port           string        `envconfig:"FILTER_PORT" default:"9099" yaml:"port"`
	PendingTurnTTL time.Duration `envconfig:"PENDING_TURN_TTL" default:"30m" yaml:"pending_turn_ttl"`
	FlushInterval  time.Duration `envconfig:"FLUSH_INTERVAL" default:"3s" yaml:"flush_interval"`
	FlushBatchSize int           `envconfig:"FLUSH_BATCH_SIZE" default:"50" yaml:"flush_batch_size" validate:"gt=0"`
	ValvesFile     string        `envconfig:"VALVES_FILE" yaml:"-"`

	secret *memguard.Enclave
}

var valveValidate = validator.New()

// Load reads valves from the environment and, when VALVES_FILE is set,
// overlays the YAML file on top. The secret key is sealed before
// returning.
func Load() (*Valves, error) {
	var v Valves
	if err := envconfig.Process("", &v); err != nil {
		return nil, fmt.Errorf("load valves from environment: %w", err)
	}
	if v.ValvesFile != "" {
		if err := v.overlayFile(v.ValvesFile); err != nil {
			return nil, err
		}
	}
	if err := valveValidate.Struct(&v); err != nil {
		return nil, fmt.Errorf("validate valves: %w", err)
	}
	v.Seal()
	return &v, nil
}

// overlayFile applies the YAML overlay. Only keys present in the file
// override the env-derived values.
func (v *Valves) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read valves file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse valves file %s: %w", path, err)
	}
	return nil
}

// Seal moves the plaintext secret key into a memguard enclave and
// wipes the struct field. Calling Seal with no plaintext key is a
// no-op, so a reloaded overlay without a secret keeps the old one.
func (v *Valves) Seal() {
	if v.SecretKey == "" {
		return
	}
	v.secret = memguard.NewEnclave([]byte(v.SecretKey))
	v.SecretKey = ""
}

// Secret materializes the sealed secret key. Returns "" when no secret
// was configured or the enclave cannot be opened.
func (v *Valves) Secret() string {
	if v.secret == nil {
		return ""
	}
	lb, err := v.secret.Open()
	if err != nil {
		return ""
	}
	defer lb.Destroy()
	return string(lb.Bytes())
}

// Configured reports whether the Langfuse connection valves are all
// present. When false, tracing stays disabled and hooks pass through.
func (v *Valves) Configured() bool {
	return v.PublicKey != "" && v.secret != nil && v.Host != ""
}

// Redacted returns the valves as a map safe to expose over the valve
// read endpoint: the secret is masked, everything else verbatim.
func (v *Valves) Redacted() map[string]any {
	secret := ""
	if v.secret != nil {
		secret = "********"
	}
	return map[string]any{
		"public_key":       v.PublicKey,
		"secret_key":       secret,
		"host":             v.Host,
		"use_model_name":   v.UseModelName,
		"debug":            v.Debug,
		"insert_tags":      v.InsertTags,
		"port":             v.Port,
		"pending_turn_ttl": v.PendingTurnTTL.String(),
		"flush_interval":   v.FlushInterval.String(),
		"flush_batch_size": v.FlushBatchSize,
	}
}

// LogLevel maps the debug valve to a logging level.
func (v *Valves) LogLevel() logging.Level {
	if v.Debug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

// =============================================================================
// Update Requests
// =============================================================================

// UpdateRequest is the payload of POST /v1/filter/valves. Only fields
// present in the JSON change the corresponding valve.
type UpdateRequest struct {
	PublicKey    *string `json:"public_key,omitempty"`
	SecretKey    *string `json:"secret_key,omitempty"`
	Host         *string `json:"host,omitempty" validate:"omitempty,url"`
	UseModelName *bool   `json:"use_model_name,omitempty"`
	Debug        *bool   `json:"debug,omitempty"`
	InsertTags   *bool   `json:"insert_tags,omitempty"`
}

// Validate checks the update payload.
func (r *UpdateRequest) Validate() error {
	return valveValidate.Struct(r)
}

// Apply copies the present fields onto a copy of v and returns it,
// sealed. The receiver is not modified.
func (r *UpdateRequest) Apply(v *Valves) *Valves {
	next := *v
	if r.PublicKey != nil {
		next.PublicKey = *r.PublicKey
	}
	if r.SecretKey != nil {
		next.SecretKey = *r.SecretKey
	}
	if r.Host != nil {
		next.Host = *r.Host
	}
	if r.UseModelName != nil {
		next.UseModelName = *r.UseModelName
	}
	if r.Debug != nil {
		next.Debug = *r.Debug
	}
	if r.InsertTags != nil {
		next.InsertTags = *r.InsertTags
	}
	next.Seal()
	return &next
}

// =============================================================================
// Overlay File Watching
// =============================================================================

// Watch blocks watching the valves overlay file and invokes onChange
// with freshly loaded valves whenever the file is written. Returns when
// ctx is cancelled. Load failures after a change are logged and the
// previous valves stay in effect.
func Watch(ctx context.Context, path string, logger *logging.Logger, onChange func(*Valves)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create valves watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which would drop a
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch valves dir %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	logger.Info("watching valves file", "path", target)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
			reloaded, err := Load()
			if err != nil {
				logger.Error("valves reload failed, keeping previous configuration", "error", err)
				continue
			}
			logger.Info("valves file changed, reconfiguring", "path", target)
			onChange(reloaded)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("valves watcher error", "error", err)
		}
	}
}
