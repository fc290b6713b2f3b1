// Package dialect hides the SQL differences between the supported databases.
package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// Dialect is one SQL database flavour. Queries are written with ? bindvars
// and rebound per dialect.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string
	Rebind(query string) string
	TimestampType() string
	RealType() string
	// UpsertClause renders ON CONFLICT for conflictColumn. With no update
	// columns the insert is skipped on conflict.
	UpsertClause(conflictColumn string, updateColumns []string) string
	// PragmaStatements run once on every new database handle.
	PragmaStatements() []string
	IsUniqueViolation(err error) bool
}

// FromDriverName maps a storage.driver config value to its dialect.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqlite{}, nil
	case "postgres", "postgresql", "pgx":
		return postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func upsert(conflictColumn string, updateColumns []string, excluded string) string {
	if len(updateColumns) == 0 {
		return "ON CONFLICT (" + conflictColumn + ") DO NOTHING"
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = col + " = " + excluded + "." + col
	}
	return "ON CONFLICT (" + conflictColumn + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

type sqlite struct{}

func (sqlite) Name() string { return "sqlite" }
func (sqlite) DriverName() string { return "sqlite" }
func (sqlite) Rebind(query string) string { return sqlx.Rebind(sqlx.QUESTION, query) }
func (sqlite) TimestampType() string { return "TIMESTAMP" }
func (sqlite) RealType() string { return "REAL" }

func (sqlite) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "excluded")
}

// WAL lets webhook writes proceed while history pages are read.
func (sqlite) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

func (sqlite) IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type postgres struct{}

func (postgres) Name() string { return "postgres" }
func (postgres) DriverName() string { return "pgx" }
func (postgres) Rebind(query string) string { return sqlx.Rebind(sqlx.DOLLAR, query) }
func (postgres) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (postgres) RealType() string { return "DOUBLE PRECISION" }
func (postgres) PragmaStatements() []string { return nil }

func (postgres) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "EXCLUDED")
}

// SQLSTATE unique_violation
const uniqueViolation = "23505"

func (postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
