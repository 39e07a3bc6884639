package state

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
)

//go:embed schemas/State.pkl
var stateSchema []byte

// VersionConflictError is returned by Commit when the stored state serial no
// longer matches the serial the snapshot was taken at. The caller must
// re-snapshot, re-plan and retry.
type VersionConflictError struct {
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("state changed since snapshot: expected serial %d, found %d (re-plan and retry)",
		e.Expected, e.Actual)
}

// Manager handles reading and writing of state on the local filesystem.
type Manager struct {
	path      string
	evaluator *eval.Evaluator
}

func NewManager(path string, evaluator *eval.Evaluator) *Manager {
	return &Manager{
		path:      path,
		evaluator: evaluator,
	}
}

// Path returns the state file path the manager operates on.
func (m *Manager) Path() string {
	return m.path
}

// Snapshot loads the state and returns it together with the serial it was
// read at. The serial is the version token for a later Commit.
func (m *Manager) Snapshot(ctx context.Context) (*ir.State, int, error) {
	st, err := m.Read(ctx)
	if err != nil {
		return nil, 0, err
	}
	return st, st.Serial, nil
}

// Read loads the state from the configured path.
// If the state file is encrypted, it is transparently decrypted before loading.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	// If state file doesn't exist, return empty state
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		return &ir.State{
			Version: 1,
			Serial:  0,
		}, nil
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
		// Write decrypted content to a temp file for the Pkl evaluator
		tmpFile := m.path + ".dec"
		if err := os.WriteFile(tmpFile, decrypted, 0600); err != nil {
			return nil, fmt.Errorf("failed to write decrypted state: %w", err)
		}
		defer os.Remove(tmpFile)

		state, err := m.evaluator.LoadState(ctx, tmpFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load decrypted state: %w", err)
		}
		return state, nil
	}

	state, err := m.evaluator.LoadState(ctx, m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}

	return state, nil
}

// Commit persists the state if and only if the stored serial still equals
// expectedSerial. On success the committed state carries expectedSerial+1.
// A fresh state gets a lineage on its first commit; a lineage mismatch with
// the stored state is rejected outright.
func (m *Manager) Commit(ctx context.Context, state *ir.State, expectedSerial int) error {
	current, err := m.Read(ctx)
	if err != nil {
		return err
	}
	if current.Serial != expectedSerial {
		return &VersionConflictError{Expected: expectedSerial, Actual: current.Serial}
	}
	if current.Lineage != "" && state.Lineage != "" && current.Lineage != state.Lineage {
		return fmt.Errorf("state lineage mismatch: stored %q, committing %q", current.Lineage, state.Lineage)
	}
	if state.Lineage == "" {
		if current.Lineage != "" {
			state.Lineage = current.Lineage
		} else {
			state.Lineage = uuid.NewString()
		}
	}

	state.Serial = expectedSerial + 1
	return m.Write(ctx, state)
}

// Write saves the state to the configured path without a serial check. Used
// for recovery paths that must persist a partial state after a failed apply;
// normal flows go through Commit.
// If STACKFORM_STATE_ENCRYPTION_KEY is set, the file is transparently encrypted.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := ensureSchema(dir); err != nil {
		return err
	}

	content := []byte(SerializeState(state))

	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	if err := os.WriteFile(m.path, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}

	return nil
}

// ensureSchema writes the State.pkl schema next to the state file so the
// serialized amends clause resolves.
func ensureSchema(dir string) error {
	schemaPath := filepath.Join(dir, "State.pkl")
	if _, err := os.Stat(schemaPath); err == nil {
		return nil
	}
	if err := os.WriteFile(schemaPath, stateSchema, 0644); err != nil {
		return fmt.Errorf("failed to write state schema: %w", err)
	}
	return nil
}

// SerializeState converts a State to its Pkl text representation. Output is
// deterministic: maps are emitted in sorted key order so state diffs stay
// readable.
func SerializeState(state *ir.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "// Stackform state file\n")
	fmt.Fprintf(&b, "amends \"State.pkl\"\n\n")
	fmt.Fprintf(&b, "version = %d\n", state.Version)
	fmt.Fprintf(&b, "serial = %d\n", state.Serial)
	fmt.Fprintf(&b, "lineage = %q\n\n", state.Lineage)

	if len(state.Outputs) > 0 {
		fmt.Fprintf(&b, "outputs {\n")
		for _, k := range sortedKeys(state.Outputs) {
			fmt.Fprintf(&b, "  [%q] = %s\n", k, serializePklValue(state.Outputs[k], 1))
		}
		fmt.Fprintf(&b, "}\n\n")
	} else {
		fmt.Fprintf(&b, "outputs = new {}\n\n")
	}

	fmt.Fprintf(&b, "resources {\n")
	for _, res := range state.Resources {
		fmt.Fprintf(&b, "  new {\n")
		fmt.Fprintf(&b, "    type = %q\n", res.Type)
		fmt.Fprintf(&b, "    name = %q\n", res.Name)
		if res.Module != "" {
			fmt.Fprintf(&b, "    module = %q\n", res.Module)
		}
		fmt.Fprintf(&b, "    provider = %q\n", res.Provider)
		fmt.Fprintf(&b, "    id = %q\n", res.ID)

		if len(res.Inputs) > 0 {
			fmt.Fprintf(&b, "    inputs {\n")
			for _, k := range sortedKeys(res.Inputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Inputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    inputs = new {}\n")
		}

		fmt.Fprintf(&b, "    inputsHash = %q\n", res.InputsHash)

		if len(res.Outputs) > 0 {
			fmt.Fprintf(&b, "    outputs {\n")
			for _, k := range sortedKeys(res.Outputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Outputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    outputs = new {}\n")
		}

		fmt.Fprintf(&b, "    fingerprint = %q\n", res.Fingerprint)

		if len(res.Sensitive) > 0 {
			fmt.Fprintf(&b, "    sensitive {\n")
			for _, s := range res.Sensitive {
				fmt.Fprintf(&b, "      %q\n", s)
			}
			fmt.Fprintf(&b, "    }\n")
		}
		if len(res.Dependencies) > 0 {
			fmt.Fprintf(&b, "    dependencies {\n")
			for _, d := range res.Dependencies {
				fmt.Fprintf(&b, "      %q\n", d)
			}
			fmt.Fprintf(&b, "    }\n")
		}
		if res.Tainted {
			fmt.Fprintf(&b, "    tainted = true\n")
		}

		fmt.Fprintf(&b, "  }\n")
	}
	fmt.Fprintf(&b, "}\n")

	return b.String()
}

// serializePklValue recursively serializes a Go value to Pkl syntax.
func serializePklValue(v any, indentLevel int) string {
	indent := strings.Repeat("  ", indentLevel)

	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case nil:
		return "null"
	case map[string]any:
		if len(val) == 0 {
			return "new {}"
		}
		var b strings.Builder
		b.WriteString("new {\n")
		for _, k := range sortedKeys(val) {
			b.WriteString(fmt.Sprintf("%s  [%q] = %s\n", indent, k, serializePklValue(val[k], indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case []any:
		if len(val) == 0 {
			return "new Listing {}"
		}
		var b strings.Builder
		b.WriteString("new Listing {\n")
		for _, v := range val {
			b.WriteString(fmt.Sprintf("%s  %s\n", indent, serializePklValue(v, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", val))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
