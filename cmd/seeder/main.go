//cmd/seeder/main.go
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/config"
	"github.com/unclebandit/rcs-dispatch/internal/db"
	"github.com/unclebandit/rcs-dispatch/internal/logger"
)

func main() {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	lg, err := logger.New(cfg.Log.Level, "console")
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DB, lg)
	if err != nil {
		lg.Fatal("database unavailable", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		lg.Fatal("migration failed", zap.Error(err))
	}

	seedFiles := []string{
		"seed/sponsors.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			lg.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			lg.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		lg.Info("seeded", zap.String("file", file))
	}

	lg.Info("database seeding completed")
}
