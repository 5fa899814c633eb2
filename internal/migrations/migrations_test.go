package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_create_tx.sql", "00002_create_rollup.sql"}, names)

	for _, name := range names {
		body, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "-- +goose Up"), name)
		assert.True(t, strings.Contains(string(body), "-- +goose Down"), name)
		assert.Contains(t, string(body), "ReplacingMergeTree(revision)", name)
	}
}
