package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/ir"
)

func tempManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "state.pkl"), nil)
}

func TestReadMissingFileReturnsEmptyState(t *testing.T) {
	mgr := tempManager(t)
	st, err := mgr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, 0, st.Serial)
	assert.Empty(t, st.Resources)
}

func TestSnapshotReturnsSerialToken(t *testing.T) {
	mgr := tempManager(t)
	st, serial, err := mgr.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, serial)
	assert.Equal(t, st.Serial, serial)
}

func TestWriteCreatesFileAndSchema(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	mgr := tempManager(t)
	st := &ir.State{Version: 1, Serial: 3, Lineage: "abc"}

	require.NoError(t, mgr.Write(context.Background(), st))

	raw, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, `amends "State.pkl"`)
	assert.Contains(t, content, "serial = 3")
	assert.Contains(t, content, `lineage = "abc"`)

	schema, err := os.ReadFile(filepath.Join(filepath.Dir(mgr.Path()), "State.pkl"))
	require.NoError(t, err)
	assert.Contains(t, string(schema), "module State")
}

func TestCommitAssignsSerialAndLineage(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	mgr := tempManager(t)
	st := &ir.State{Version: 1}

	require.NoError(t, mgr.Commit(context.Background(), st, 0))
	assert.Equal(t, 1, st.Serial, "commit bumps the serial past the snapshot token")
	assert.NotEmpty(t, st.Lineage, "a fresh state gets a lineage on first commit")

	raw, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "serial = 1")
}

func TestCommitVersionConflict(t *testing.T) {
	mgr := tempManager(t)
	st := &ir.State{Version: 1}
	require.NoError(t, mgr.Commit(context.Background(), st, 0))

	// Someone else rewrote the state meanwhile; here the file vanishing
	// resets the stored serial to zero, which no longer matches the token.
	require.NoError(t, os.Remove(mgr.Path()))

	err := mgr.Commit(context.Background(), st, 1)
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 0, conflict.Actual)
	assert.Contains(t, err.Error(), "re-plan and retry")
}

func TestSerializeState(t *testing.T) {
	st := &ir.State{
		Version: 1,
		Serial:  7,
		Lineage: "lin-1",
		Outputs: map[string]any{"endpoint": "db.internal:5432"},
		Resources: []*ir.ResourceState{
			{
				Type:         "null:resource",
				Name:         "db",
				Module:       "network",
				Provider:     "null",
				ID:           "null-1",
				Inputs:       map[string]any{"name": "db", "port": 5432},
				InputsHash:   "hash-in",
				Outputs:      map[string]any{"id": "null-1", "name": "db"},
				Fingerprint:  "hash-out",
				Sensitive:    []string{"password"},
				Dependencies: []string{"null:resource.base"},
				Tainted:      true,
			},
		},
	}

	out := SerializeState(st)

	assert.Contains(t, out, "// Stackform state file")
	assert.Contains(t, out, `amends "State.pkl"`)
	assert.Contains(t, out, "version = 1")
	assert.Contains(t, out, "serial = 7")
	assert.Contains(t, out, `lineage = "lin-1"`)
	assert.Contains(t, out, `["endpoint"] = "db.internal:5432"`)
	assert.Contains(t, out, `type = "null:resource"`)
	assert.Contains(t, out, `module = "network"`)
	assert.Contains(t, out, `id = "null-1"`)
	assert.Contains(t, out, `["port"] = 5432`)
	assert.Contains(t, out, `inputsHash = "hash-in"`)
	assert.Contains(t, out, `fingerprint = "hash-out"`)
	assert.Contains(t, out, `"password"`)
	assert.Contains(t, out, `"null:resource.base"`)
	assert.Contains(t, out, "tainted = true")
}

func TestSerializeStateDeterministic(t *testing.T) {
	st := &ir.State{
		Version: 1,
		Outputs: map[string]any{"b": "2", "a": "1", "c": "3"},
		Resources: []*ir.ResourceState{
			{
				Type: "null:resource", Name: "app", Provider: "null", ID: "null-1",
				Inputs: map[string]any{"zeta": "z", "alpha": "a"},
			},
		},
	}

	first := SerializeState(st)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SerializeState(st))
	}

	// Map keys come out sorted.
	aIdx := strings.Index(first, `["alpha"]`)
	zIdx := strings.Index(first, `["zeta"]`)
	require.GreaterOrEqual(t, aIdx, 0)
	require.GreaterOrEqual(t, zIdx, 0)
	assert.Less(t, aIdx, zIdx)
}

func TestSerializeStateOmitsEmptySections(t *testing.T) {
	st := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{Type: "null:resource", Name: "app", Provider: "null", ID: "null-1"},
		},
	}

	out := SerializeState(st)
	assert.Contains(t, out, "outputs = new {}")
	assert.Contains(t, out, "inputs = new {}")
	assert.NotContains(t, out, "tainted")
	assert.NotContains(t, out, "sensitive {")
}

func TestSerializePklValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"text", `"text"`},
		{true, "true"},
		{42, "42"},
		{int64(42), "42"},
		{float64(42), "42"},
		{3.5, "3.5"},
		{nil, "null"},
		{map[string]any{}, "new {}"},
		{[]any{}, "new Listing {}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, serializePklValue(tt.in, 0))
	}

	nested := serializePklValue(map[string]any{"k": []any{"v"}}, 0)
	assert.Contains(t, nested, `["k"] = new Listing {`)
	assert.Contains(t, nested, `"v"`)
}
