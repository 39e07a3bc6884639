package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	a := map[string]any{"name": "web", "count": 3, "tags": map[string]any{"env": "prod"}}
	b := map[string]any{"tags": map[any]any{"env": "prod"}, "count": float64(3), "name": "web"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"decoding differences must not change the fingerprint")
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := map[string]any{"name": "web"}
	b := map[string]any{"name": "web2"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestStateFindRemove(t *testing.T) {
	s := &State{
		Resources: []*ResourceState{
			{Type: "null:resource", Name: "a"},
			{Type: "null:resource", Name: "b", Module: "net"},
		},
	}

	assert.NotNil(t, s.Find("null:resource.a"))
	assert.NotNil(t, s.Find("module.net.null:resource.b"))
	assert.Nil(t, s.Find("null:resource.missing"))

	assert.True(t, s.Remove("null:resource.a"))
	assert.False(t, s.Remove("null:resource.a"))
	assert.Len(t, s.Resources, 1)
}

func TestStateDeepCopy(t *testing.T) {
	s := &State{
		Serial:  4,
		Lineage: "lin",
		Resources: []*ResourceState{
			{Type: "null:resource", Name: "a", Inputs: map[string]any{"k": "v"}},
		},
		Outputs: map[string]any{"url": "http://x"},
	}

	cp := s.DeepCopy()
	cp.Resources[0].Inputs["k"] = "changed"
	cp.Outputs["url"] = "other"
	cp.Serial = 9

	assert.Equal(t, "v", s.Resources[0].Inputs["k"])
	assert.Equal(t, "http://x", s.Outputs["url"])
	assert.Equal(t, 4, s.Serial)
}
