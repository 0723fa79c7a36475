package mysql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	driver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/storetest"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadlock", &driver.MySQLError{Number: 1213, Message: "Deadlock found"}, domain.ErrConflict},
		{"lock wait timeout", &driver.MySQLError{Number: 1205, Message: "Lock wait timeout"}, domain.ErrConflict},
		{"duplicate", fmt.Errorf("insert: %w", &driver.MySQLError{Number: 1062}), domain.ErrConflict},
		{"syntax", &driver.MySQLError{Number: 1064}, domain.ErrStorageUnavailable},
		{"bad conn", driver.ErrInvalidConn, domain.ErrStorageUnavailable},
		{"record not found", gorm.ErrRecordNotFound, domain.ErrNotFound},
		{"domain passthrough", domain.ErrInsufficientFunds, domain.ErrInsufficientFunds},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestClassify_KeepsCallerError(t *testing.T) {
	boom := errors.New("boom")
	err := classify(boom)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "boom")
}

// 需要真實 MySQL: LEDGER_TEST_MYSQL_DSN="root:root@tcp(localhost:3306)/ledger_test?parseTime=true&loc=UTC"
func TestStore_MySQL(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_MYSQL_DSN not set")
	}
	client, err := mysql.NewClientFromDSN(dsn, "silent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := NewStore(client)
	require.NoError(t, store.Migrate(context.Background()))
	storetest.Run(t, store)
}
