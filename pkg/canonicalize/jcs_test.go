package canonicalize_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/canonicalize"
)

func TestJCSSortsKeysAtEveryDepth(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "flat",
			in:   map[string]any{"c": 3, "a": 1, "b": 2},
			want: `{"a":1,"b":2,"c":3}`,
		},
		{
			name: "nested",
			in: map[string]any{
				"z": map[string]any{"y": "foo", "x": "bar"},
				"a": 1,
			},
			want: `{"a":1,"z":{"x":"bar","y":"foo"}}`,
		},
		{
			name: "json number survives",
			in:   map[string]any{"num": json.Number("123.456")},
			want: `{"num":123.456}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonicalize.JCS(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestJCSDoesNotEscapeHTML(t *testing.T) {
	got, err := canonicalize.JCS(map[string]string{
		"html": "<script>alert('x')</script> &",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('x')</script> &"}`, string(got))
}

func TestCanonicalHashIgnoresFieldOrder(t *testing.T) {
	type reversed struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	h1, err := canonicalize.CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(reversed{A: 1, B: 2})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "same value through map and struct must hash identically")
}

func TestFingerprintFormat(t *testing.T) {
	in := map[string]string{"principal_id": "agent-1"}

	fp, err := canonicalize.Fingerprint(in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "sha256:"))
	assert.Len(t, fp, len("sha256:")+64)

	again, err := canonicalize.Fingerprint(in)
	require.NoError(t, err)
	assert.Equal(t, fp, again)
}

func TestJCSStringMatchesBytes(t *testing.T) {
	in := map[string]int{"b": 2, "a": 1}

	s, err := canonicalize.JCSString(in)
	require.NoError(t, err)
	b, err := canonicalize.JCS(in)
	require.NoError(t, err)
	assert.Equal(t, string(b), s)
}
