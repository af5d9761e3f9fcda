package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/optionbot?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "optionbot", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6432/optionbot?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6432, Database: "optionbot", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationNames_Ordered(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_positions.sql",
		"002_instrument_catalogs.sql",
		"003_audit_log.sql",
	}, names)
}
