// Package postgres stores team state in PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

type teamRecord struct {
	TeamID    string    `gorm:"column:team_id;primaryKey"`
	Version   int64     `gorm:"column:version;not null"`
	State     []byte    `gorm:"column:state;type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (teamRecord) TableName() string { return "team_progress" }

type Store struct {
	db *gorm.DB
}

// printfLogger routes gorm's logger output to zap.
type printfLogger struct {
	sugar *zap.SugaredLogger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Open connects with dsn and migrates the team_progress table.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(printfLogger{sugar: logger.Sugar()}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&teamRecord{}); err != nil {
		return nil, fmt.Errorf("migrate team_progress: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(teamID string, state engine.State, version int64, now time.Time) (teamRecord, error) {
	data, err := store.EncodeState(state)
	if err != nil {
		return teamRecord{}, err
	}
	return teamRecord{TeamID: teamID, Version: version, State: data, UpdatedAt: now.UTC()}, nil
}

func fromRecord(rec teamRecord) (engine.State, error) {
	return store.DecodeState(rec.State, rec.Version)
}

// Save upserts the row unless a higher version is already stored.
func (s *Store) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	rec, err := toRecord(teamID, state, version, time.Now())
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "state", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "team_progress.version <= excluded.version"},
		}},
	}).Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("upsert team %s: %w", teamID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) Load(ctx context.Context, teamID string) (engine.State, error) {
	var rec teamRecord
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.State{}, store.ErrNotFound
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("select team %s: %w", teamID, err)
	}
	return fromRecord(rec)
}
