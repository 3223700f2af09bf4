package db

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes the billing core reacts to.
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// MySQL server error numbers.
const (
	myDuplicateEntry   = 1062
	myLockWaitTimeout  = 1205
	myDeadlockDetected = 1213
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, pgUniqueViolation) {
		return true
	}
	if hasMySQLCode(err, myDuplicateEntry) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockTimeout reports a lock wait that hit lock_timeout.
func IsLockTimeout(err error) bool {
	return hasPGCode(err, pgLockNotAvailable) || hasMySQLCode(err, myLockWaitTimeout)
}

// IsSerializationFailure reports a 40001 or deadlock abort.
func IsSerializationFailure(err error) bool {
	return hasPGCode(err, pgSerializationFailure, pgDeadlockDetected) || hasMySQLCode(err, myDeadlockDetected)
}

// IsContention reports transient lock or transaction contention. Such
// errors are safe to retry from the start of the transaction.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsLockTimeout(err) || IsSerializationFailure(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func hasPGCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, code := range codes {
		if pgErr.Code == code {
			return true
		}
	}
	return false
}

func hasMySQLCode(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}
