package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
)

// Backend defines the interface for state storage backends. All backends
// support snapshot/commit with optimistic concurrency on the serial, plus
// lease-based locking.
type Backend interface {
	// Read loads the state without a version token, for inspection.
	Read(ctx context.Context) (*ir.State, error)

	// Snapshot loads the state and the serial it was read at.
	Snapshot(ctx context.Context) (*ir.State, int, error)

	// Commit persists the state if the stored serial still equals
	// expectedSerial, returning *VersionConflictError otherwise.
	Commit(ctx context.Context, state *ir.State, expectedSerial int) error

	// Write persists the state unconditionally. Recovery paths only.
	Write(ctx context.Context, state *ir.State) error

	// LockHolder returns the current lease, or nil when unlocked.
	LockHolder() (*LockInfo, error)

	// ForceUnlock removes the lock regardless of who holds it.
	ForceUnlock() error

	Locker
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type"` // "local", "s3"
	Config map[string]string `json:"config"`
}

// LoadBackendConfig reads a backend configuration file. A missing file is
// not an error: it returns nil, meaning the default local backend.
func LoadBackendConfig(path string) (*BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backend config %s: %w", path, err)
	}
	var cfg BackendConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse backend config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewBackend creates a state backend from configuration.
// The evaluator is needed to parse Pkl state content.
func NewBackend(cfg *BackendConfig, evaluator *eval.Evaluator) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			return nil, fmt.Errorf("local backend requires 'path' configuration")
		}
		return NewManager(path, evaluator), nil
	case "s3":
		return newS3Backend(cfg.Config, evaluator)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
