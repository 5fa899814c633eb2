package tenants

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/txradar/internal/models"
)

const tenantsYAML = `
tenants:
  - id: edge
    sources:
      changenow:
        apiKey: k1
      sideshift:
        affiliateId: a1
        secret: s1
  - id: coinhub
    sources:
      changenow:
        apiKey: k2
`

func TestFileDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantsYAML), 0o600))

	d, err := NewFileDirectory(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	got, err := d.Tenants(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "edge", got[0].ID)
	assert.Len(t, got[0].Sources, 2)
	assert.Contains(t, got[1].Sources, "changenow")
}

func TestFileDirectoryRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  - sources: {}\n"), 0o600))

	_, err := NewFileDirectory(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestFileDirectoryMissingFile(t *testing.T) {
	_, err := NewFileDirectory(filepath.Join(t.TempDir(), "nope.yaml"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestPairs(t *testing.T) {
	list := []models.Tenant{
		{ID: "b", Sources: map[string]map[string]any{"x": {"k": 1}, "a": nil}},
		{ID: "a", Sources: map[string]map[string]any{"x": nil}},
	}

	all := Pairs(list, nil, nil)
	require.Len(t, all, 3)
	assert.Equal(t, Pair{Tenant: "a", Source: "x"}, all[0])
	assert.Equal(t, "b", all[1].Tenant)
	assert.Equal(t, "a", all[1].Source)

	onlyX := Pairs(list, nil, []string{"x"})
	assert.Len(t, onlyX, 2)

	onlyB := Pairs(list, []string{"b"}, []string{"x"})
	require.Len(t, onlyB, 1)
	assert.Equal(t, map[string]any{"k": 1}, onlyB[0].Credentials)
}

func TestStaticDirectory(t *testing.T) {
	d := StaticDirectory{{ID: "edge"}}
	got, err := d.Tenants(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
