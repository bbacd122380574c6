package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/examforge/guard/quiz"
	"github.com/examforge/guard/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		Long:  `Create or update the quizzes table and the rate limit records table used by the database store backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, db, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			return migrateAll(cmd.Context(), db, log)
		},
	}
}

func migrateAll(ctx context.Context, db *gorm.DB, log *slog.Logger) error {
	log.Info("running migrations")

	if err := quiz.NewGormRepository(db).Migrate(ctx); err != nil {
		log.Error("migration failed", "table", "quizzes", "error", err)
		return err
	}
	if err := store.NewGorm(db).Migrate(ctx); err != nil {
		log.Error("migration failed", "table", "rate_limit_records", "error", err)
		return err
	}

	log.Info("migrations completed")
	return nil
}
