package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	logx "postbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// migrate applies every pending migration and returns the resulting schema version.
func migrate(db *sql.DB, log logx.Logger) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: log.With(logx.String("comp", "migrate"))})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, err := goose.EnsureDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("failed to get DB version: %w", err)
	}
	return version, nil
}

// gooseLogger routes goose output through logx.
type gooseLogger struct{ log logx.Logger }

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

// Fatalf must not exit the process; goose also returns the error to the caller.
func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}
