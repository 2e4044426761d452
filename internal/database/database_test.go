package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("user:pass@tcp(db:3306)/motiongif")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(db:3306)/motiongif")
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := NormalizeDSN("not a dsn")
	require.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}
