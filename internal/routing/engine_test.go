package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultPolicy())
	require.NoError(t, err)
	return engine
}

func TestSelectProvider_Deterministic(t *testing.T) {
	engine := newDefaultEngine(t)

	first, err := engine.SelectProvider("voice", WithConfidence(0.9))
	require.NoError(t, err)
	second, err := engine.SelectProvider("voice", WithConfidence(0.9))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.ProviderA, first.Provider)
	assert.False(t, first.UsedFallback)
	assert.Equal(t, models.ProviderB, first.Fallback)
}

func TestSelectProvider_LowConfidenceUsesFallback(t *testing.T) {
	engine := newDefaultEngine(t)

	sel, err := engine.SelectProvider("voice", WithConfidence(0.2))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderB, sel.Provider)
	assert.True(t, sel.UsedFallback)
	assert.Equal(t, 0.7, sel.Threshold)
}

func TestSelectProvider_DocumentReview(t *testing.T) {
	engine := newDefaultEngine(t)

	sel, err := engine.SelectProvider("document-review", WithConfidence(0.5))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderA, sel.Provider)

	sel, err = engine.SelectProvider("document-review", Signal{})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderB, sel.Provider, "no signal selects the primary")
}

func TestSelectProvider_NoFallback(t *testing.T) {
	engine, err := NewEngine(Policy{
		Version: "test",
		Entries: map[string]Entry{"chat": {Primary: models.ProviderA, Threshold: 0.8}},
	})
	require.NoError(t, err)

	sel, err := engine.SelectProvider("chat", WithConfidence(0.1))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderA, sel.Provider)
	assert.False(t, sel.UsedFallback)
	assert.Empty(t, sel.Fallback)
}

func TestSelectProvider_Unresolved(t *testing.T) {
	engine := newDefaultEngine(t)

	_, err := engine.SelectProvider("translate", Signal{})
	assert.ErrorIs(t, err, ErrUnresolvedOperation)

	err = engine.Validate([]string{"chat", "translate", "ocr"})
	require.ErrorIs(t, err, ErrUnresolvedOperation)
	assert.Contains(t, err.Error(), "translate, ocr")

	assert.NoError(t, engine.Validate([]string{"chat", "voice"}))
}

func TestNewEngine_InvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"unknown primary", Entry{Primary: "C", Threshold: 0.5}},
		{"unknown fallback", Entry{Primary: models.ProviderA, Fallback: "Z", Threshold: 0.5}},
		{"threshold too high", Entry{Primary: models.ProviderA, Threshold: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(Policy{Entries: map[string]Entry{"op": tt.entry}})
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestWithOverrides(t *testing.T) {
	engine := newDefaultEngine(t)

	same, err := engine.WithOverrides(nil)
	require.NoError(t, err)
	assert.Same(t, engine, same)

	custom, err := engine.WithOverrides(map[string]models.RouteOverride{
		"voice":     {Primary: models.ProviderB, Fallback: models.ProviderA, Threshold: 0.4},
		"translate": {Primary: models.ProviderA, Threshold: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1+agent", custom.Version())

	sel, err := custom.SelectProvider("voice", WithConfidence(0.5))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderB, sel.Provider)

	assert.NoError(t, custom.Validate([]string{"translate"}))
	assert.Error(t, engine.Validate([]string{"translate"}), "base engine is not modified")
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2024-06"
entries:
  ocr:
    primary: B
    threshold: 0.5
  chat:
    primary: B
    fallback: A
    threshold: 0.9
`), 0o600))

	engine, err := FromConfig(config.RoutingConfig{
		PolicyFile: path,
		Entries: map[string]config.RouteEntry{
			"chat": {Primary: "A", Fallback: "B", Threshold: 0.3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-06", engine.Version())

	entry, err := engine.Lookup("ocr")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderB, entry.Primary)

	// le voci inline prevalgono sul file
	entry, err = engine.Lookup("chat")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderA, entry.Primary)
	assert.Equal(t, 0.3, entry.Threshold)

	assert.Contains(t, engine.Operations(), "voice")

	out, err := engine.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "ocr")
}

func TestFromConfig_MissingFile(t *testing.T) {
	_, err := FromConfig(config.RoutingConfig{PolicyFile: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}
