package templates

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/pkg/errors"
)

func TestRegistry_LoadAndRender(t *testing.T) {
	reg, err := NewRegistry(Layer{Name: "mem", FS: fstest.MapFS{
		"prompts/probe.tmpl": {Data: []byte(`Hello {{.Name}} on {{join .Symbols "/"}}`)},
		"README.md":          {Data: []byte("ignored")},
	}})
	require.NoError(t, err)

	out, err := reg.Render("prompts/probe", map[string]any{"Name": "analyst", "Symbols": []string{"BTC", "ETH"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello analyst on BTC/ETH", out)
	assert.Equal(t, []string{"prompts/probe"}, reg.List())
}

func TestRegistry_LaterLayerOverrides(t *testing.T) {
	base := Layer{Name: "base", FS: fstest.MapFS{
		"prompts/a.tmpl": {Data: []byte("base a")},
		"prompts/b.tmpl": {Data: []byte("base b")},
	}}
	override := Layer{Name: "ops", FS: fstest.MapFS{
		"prompts/b.tmpl": {Data: []byte("ops b {{pct .Score}}")},
	}}

	reg, err := NewRegistry(base, override)
	require.NoError(t, err)

	a, err := reg.GetTemplate("prompts/a")
	require.NoError(t, err)
	assert.Equal(t, "base", a.Source)

	out, err := reg.Render("prompts/b", map[string]any{"Score": 0.85})
	require.NoError(t, err)
	assert.Equal(t, "ops b 85%", out)
}

func TestRegistry_Errors(t *testing.T) {
	_, err := NewRegistry(Layer{Name: "bad", FS: fstest.MapFS{
		"prompts/broken.tmpl": {Data: []byte("{{.Name")},
	}})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	reg, err := NewRegistry()
	require.NoError(t, err)
	_, err = reg.Render("prompts/missing", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	reg, err = NewRegistry(Layer{Name: "strict", FS: fstest.MapFS{
		"n.tmpl": {Data: []byte("{{.Missing}}")},
	}})
	require.NoError(t, err)
	_, err = reg.Render("n", map[string]any{})
	assert.Error(t, err, "missing keys fail instead of rendering <no value>")
}

func TestWithOverrides(t *testing.T) {
	reg, err := WithOverrides("")
	require.NoError(t, err)
	assert.Same(t, Get(), reg)

	_, err = WithOverrides(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "debate.tmpl"), []byte("custom {{.Role}}"), 0o644))

	reg, err = WithOverrides(dir)
	require.NoError(t, err)

	out, err := reg.Render("prompts/debate", map[string]any{"Role": "critic"})
	require.NoError(t, err)
	assert.Equal(t, "custom critic", out)

	analysis, err := reg.GetTemplate("prompts/analysis")
	require.NoError(t, err)
	assert.Equal(t, "embedded", analysis.Source)
}
