package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Address
	}{
		{
			name:  "simple",
			input: "null:resource.server",
			want:  Address{Type: "null:resource", Name: "server"},
		},
		{
			name:  "dotted type",
			input: "aws:S3.Bucket.assets",
			want:  Address{Type: "aws:S3.Bucket", Name: "assets"},
		},
		{
			name:  "module scoped",
			input: "module.network.null:resource.vpc",
			want:  Address{Module: "network", Type: "null:resource", Name: "vpc"},
		},
		{
			name:  "count instance key",
			input: "null:resource.web[0]",
			want:  Address{Type: "null:resource", Name: "web[0]"},
		},
		{
			name:  "for_each instance key with dot inside",
			input: `aws:S3.Bucket.logs["eu.west"]`,
			want:  Address{Type: "aws:S3.Bucket", Name: `logs["eu.west"]`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String(), "String must round-trip")
		})
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, input := range []string{"", "noseparator", "module.only"} {
		_, err := ParseAddress(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestInstanceKey(t *testing.T) {
	addr := Address{Type: "null:resource", Name: "web[0]"}
	key, ok := addr.InstanceKey()
	assert.True(t, ok)
	assert.Equal(t, "0", key)

	addr = Address{Type: "null:resource", Name: `bucket["logs"]`}
	key, ok = addr.InstanceKey()
	assert.True(t, ok)
	assert.Equal(t, `"logs"`, key)

	addr = Address{Type: "null:resource", Name: "plain"}
	_, ok = addr.InstanceKey()
	assert.False(t, ok)
}
