// Package archive appends finished games to postgres. Nothing is read back.
package archive

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/propcall/internal/session"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Archive struct {
	db  *gorm.DB
	log *zap.Logger
}

// New connects to dsn and migrates the tables.
func New(dsn string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if err := db.AutoMigrate(&GameResult{}, &Standing{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Archive{db: db, log: log.With(zap.String("component", "archive"))}, nil
}

// Record stores r with its standings in one transaction.
func (a *Archive) Record(ctx context.Context, r session.Result) error {
	row := toRecord(r)
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record game: %w", err)
	}
	a.log.Info("game archived",
		zap.Uint("id", row.ID), zap.String("winner", row.Winner), zap.Int("players", len(row.Standings)))
	return nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(r session.Result) GameResult {
	row := GameResult{
		Winner:     r.Winner,
		Rounds:     r.Rounds,
		FinishedAt: r.FinishedAt,
		Standings:  make([]Standing, 0, len(r.Standings)),
	}
	for i, s := range r.Standings {
		row.Standings = append(row.Standings, Standing{Place: i + 1, Player: s.Name, Score: s.Score})
	}
	return row
}
