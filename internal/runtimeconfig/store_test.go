package runtimeconfig

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

func TestUpdate_CreatesNewSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := New(path)
	require.NoError(t, err)

	merged, err := store.Update(SectionNotifier, model.RuntimeConfigSection{
		Enabled: true,
		Secrets: map[string]string{"bot_token": "abc"},
	})
	require.NoError(t, err)
	assert.True(t, merged.Enabled)
	assert.Equal(t, "abc", merged.Secrets["bot_token"])
}

func TestUpdate_PreservesSecretsWhenOmitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := New(path)
	require.NoError(t, err)

	_, err = store.Update(SectionNotifier, model.RuntimeConfigSection{
		Enabled: true,
		Secrets: map[string]string{"bot_token": "abc"},
	})
	require.NoError(t, err)

	merged, err := store.Update(SectionNotifier, model.RuntimeConfigSection{Enabled: false})
	require.NoError(t, err)
	assert.False(t, merged.Enabled)
	assert.Equal(t, "abc", merged.Secrets["bot_token"])
}

func TestNew_LoadsPersistedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := New(path)
	require.NoError(t, err)
	_, err = store.Update(SectionForwarder, model.RuntimeConfigSection{Enabled: true})
	require.NoError(t, err)

	reloaded, err := New(path)
	require.NoError(t, err)
	section, ok := reloaded.Get(SectionForwarder)
	require.True(t, ok)
	assert.True(t, section.Enabled)
}

func TestGet_MissingSectionReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := New(path)
	require.NoError(t, err)

	_, ok := store.Get(SectionMonitoring)
	assert.False(t, ok)
}
