package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicateKeyErr(errors.New("constraint failed: UNIQUE constraint failed: tenant_subscriptions.tenant_id (2067)")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestIsContention(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"pg lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"pg serialization", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"unique", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsContention(tc.err))
		})
	}
}
