package redaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMask_ShortValue(t *testing.T) {
	require.Equal(t, "***", Mask("short"))
}

func TestMask_LongValue(t *testing.T) {
	require.Equal(t, "sk-a…wxyz", Mask("sk-abcdefghijklmnopqrstuvwxyz"))
}

func TestMask_Deterministic(t *testing.T) {
	require.Equal(t, Mask("abcdefghij"), Mask("abcdefghij"))
}

func TestMask_NeverExtends(t *testing.T) {
	in := "abcdefghij"
	require.LessOrEqual(t, len(Mask(in)), len(in)+len("…"))
}

func TestIsSecretField(t *testing.T) {
	for _, k := range []string{"apiKey", "api_key", "Secret", "password", "Credential", "token"} {
		require.True(t, IsSecretField(k), k)
	}
	require.False(t, IsSecretField("name"))
}

func TestMap_RedactsNestedStructures(t *testing.T) {
	in := map[string]any{
		"name": "echo",
		"env": map[string]any{
			"API_KEY": "sk-abcdefghijklmnop",
			"DEBUG":   "true",
		},
		"items": []any{
			map[string]any{"token": "abcdefghijklmnop"},
		},
	}
	out := Map(in)
	require.Equal(t, "echo", out["name"])
	env := out["env"].(map[string]any)
	require.Equal(t, Mask("sk-abcdefghijklmnop"), env["API_KEY"])
	require.Equal(t, "true", env["DEBUG"])
	items := out["items"].([]any)
	first := items[0].(map[string]any)
	require.Equal(t, Mask("abcdefghijklmnop"), first["token"])
}

func TestMap_Nil(t *testing.T) {
	require.Nil(t, Map(nil))
}
