package db

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrate applies every pending goose migration found at the root of
// migrations, using the pool through the database/sql bridge goose needs.
func (db *DB) Migrate(ctx context.Context, migrations fs.FS) error {
	sqlDB := stdlib.OpenDBFromPool(db.pool)
	defer func() {
		if err := sqlDB.Close(); err != nil {
			db.logger.Warn("failed to close migration connection", zap.Error(err))
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{db.logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	db.logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// gooseLogger routes goose output through zap instead of the std logger.
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...any) { l.log.Errorf(format, v...) }
func (l gooseLogger) Printf(format string, v ...any) { l.log.Infof(format, v...) }
