package mysql

import (
	"testing"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db.local", Port: 3307, User: "ledger", Password: "p@ss:word", DBName: "wallets"}

	parsed, err := driver.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "ledger", parsed.User)
	assert.Equal(t, "p@ss:word", parsed.Passwd)
	assert.Equal(t, "db.local:3307", parsed.Addr)
	assert.Equal(t, "wallets", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, time.UTC, parsed.Loc)
}

func TestConfig_DSNDefaultPort(t *testing.T) {
	cfg := Config{Host: "localhost", User: "root", DBName: "ledger"}

	parsed, err := driver.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "localhost:3306", parsed.Addr)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"info", "warn", "error", "silent", ""} {
		assert.NotNil(t, newLogger(level), level)
	}
}
