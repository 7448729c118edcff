package store

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/epilab/vaccgame/internal/game"
)

// SQLConfig sizes the connection pool behind the SQLStore.
type SQLConfig struct {
	PoolSize        int
	MaxOverflow     int
	ConnMaxLifetime time.Duration
	AcquireTimeout  time.Duration
}

// SQLStore is the Postgres-backed Store. Mutating operations that fan out
// across many rows (session creation, round finalization) pass through
// the connection governor; single-row reads hit the pool directly so a
// finalization burst cannot starve participant-facing lookups.
type SQLStore struct {
	db       *gorm.DB
	governor *Governor
	logger   *log.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQL connects to Postgres, migrates the schema and configures the
// connection pool.
func OpenSQL(dsn string, cfg SQLConfig, logger *log.Logger) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		// Needed so a unique-index violation surfaces as
		// gorm.ErrDuplicatedKey rather than a driver-specific error.
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&Session{}, &Group{}, &Participant{}, &Decision{}); err != nil {
		return nil, err
	}

	return &SQLStore{
		db:       db,
		governor: NewGovernor(cfg.PoolSize, cfg.MaxOverflow, cfg.AcquireTimeout),
		logger:   logger.WithPrefix("store"),
	}, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *Session, groups []*Group, participants []*Participant) error {
	release, err := s.governor.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		if len(groups) > 0 {
			if err := tx.Create(groups).Error; err != nil {
				return err
			}
		}
		if len(participants) > 0 {
			if err := tx.Create(participants).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Session(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &sess, nil
}

func (s *SQLStore) SetSessionState(ctx context.Context, id, state string) error {
	return s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("state", state).Error
}

func (s *SQLStore) Sessions(ctx context.Context) ([]*Session, error) {
	var out []*Session
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Group(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := s.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &g, nil
}

func (s *SQLStore) GroupsBySession(ctx context.Context, sessionID string) ([]*Group, error) {
	var out []*Group
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).Order("number").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SetGroupPhase(ctx context.Context, groupID string, round int, phase game.Phase) error {
	return s.db.WithContext(ctx).Model(&Group{}).Where("id = ?", groupID).
		Updates(map[string]any{"round_number": round, "phase": string(phase)}).Error
}

func (s *SQLStore) AdvanceGroup(ctx context.Context, groupID string, fromRound int) error {
	// Conditional on the current round number; a stale or duplicate call
	// matches zero rows and is a no-op.
	return s.db.WithContext(ctx).Model(&Group{}).
		Where("id = ? AND round_number = ?", groupID, fromRound).
		Updates(map[string]any{
			"round_number": fromRound + 1,
			"phase":        string(game.PhaseCollecting),
		}).Error
}

func (s *SQLStore) Participant(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (s *SQLStore) ParticipantByCode(ctx context.Context, code string) (*Participant, error) {
	var p Participant
	if err := s.db.WithContext(ctx).First(&p, "code = ?", code).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (s *SQLStore) ParticipantsByGroup(ctx context.Context, groupID string) ([]*Participant, error) {
	var out []*Participant
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).Order("join_number").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) MarkJoined(ctx context.Context, participantID string) error {
	return s.db.WithContext(ctx).Model(&Participant{}).Where("id = ?", participantID).
		Update("joined", true).Error
}

func (s *SQLStore) SetReady(ctx context.Context, participantID string, round int) error {
	return s.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ? AND ready_round < ?", participantID, round).
		Update("ready_round", round).Error
}

func (s *SQLStore) MarkCompleted(ctx context.Context, groupID string) error {
	return s.db.WithContext(ctx).Model(&Participant{}).Where("group_id = ?", groupID).
		Update("completed", true).Error
}

func (s *SQLStore) InsertDecision(ctx context.Context, d *Decision) error {
	err := s.db.WithContext(ctx).Create(d).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateDecision
	}
	return err
}

func (s *SQLStore) DecisionsForRound(ctx context.Context, groupID string, round int) ([]*Decision, error) {
	var out []*Decision
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND round_number = ?", groupID, round).
		Order("participant_id").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	release, err := s.governor.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	applied := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied = 0
		for _, o := range outcomes {
			// The conditional write is the idempotency gate: a row
			// already finalized by a rival call matches nothing and is
			// skipped without error.
			res := tx.Model(&Decision{}).
				Where("group_id = ? AND participant_id = ? AND round_number = ? AND total_cost IS NULL",
					groupID, o.ParticipantID, round).
				Updates(map[string]any{
					"others_alt":      o.OthersAlt,
					"others_fraction": o.OthersFraction,
					"total_cost":      o.Cost,
					"payout":          o.Payout,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			applied++
			if err := tx.Model(&Participant{}).Where("id = ?", o.ParticipantID).
				Update("balance", o.Payout).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("finalized round rows", "group", groupID, "round", round, "applied", applied)
	return applied, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Governor exposes the admission controller, mainly for tests and the
// admin status surface.
func (s *SQLStore) Governor() *Governor { return s.governor }

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
