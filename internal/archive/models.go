package archive

import "time"

// GameResult is one finished game.
type GameResult struct {
	ID         uint       `gorm:"primaryKey"`
	Winner     string     `gorm:"size:64;not null"`
	Rounds     int        `gorm:"not null"`
	FinishedAt time.Time  `gorm:"index;not null"`
	Standings  []Standing `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
}

// Standing is one player's final score in a game.
type Standing struct {
	ID           uint   `gorm:"primaryKey"`
	GameResultID uint   `gorm:"index;not null"`
	Place        int    `gorm:"not null"` // 1-based, leaderboard order
	Player       string `gorm:"size:64;not null"`
	Score        int    `gorm:"not null"`
}
