package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

// LobbyRecord is one row per created lobby.
type LobbyRecord struct {
	ID        uint   `gorm:"primaryKey"`
	LobbyID   string `gorm:"uniqueIndex;size:12"`
	CreatedAt time.Time
}

// ActionRecord is one row per recorded action, keyed by lobby and sequence.
type ActionRecord struct {
	ID        uint   `gorm:"primaryKey"`
	LobbyID   string `gorm:"index:idx_lobby_seq,unique;size:12"`
	Seq       uint64 `gorm:"index:idx_lobby_seq,unique"`
	Kind      string `gorm:"size:32"`
	UserID    string `gorm:"size:64"`
	TargetID  string `gorm:"size:64"`
	Payload   string
	CreatedAt time.Time
}

// Archive persists lobby histories to Postgres. It implements lobby.Sink;
// the relay stays authoritative in memory and never reads back from here.
type Archive struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects and migrates the archive schema.
func Open(dsn string, log *zap.Logger) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.AutoMigrate(&LobbyRecord{}, &ActionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Archive{db: db, log: log}, nil
}

func (a *Archive) LobbyCreated(ctx context.Context, lobbyID string) error {
	rec := LobbyRecord{LobbyID: lobbyID}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive lobby %s: %w", lobbyID, err)
	}
	return nil
}

func (a *Archive) ActionRecorded(ctx context.Context, lobbyID string, action gameplay.Action) error {
	rec, err := toRecord(lobbyID, action)
	if err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive action %s/%d: %w", lobbyID, action.Seq, err)
	}
	return nil
}

func toRecord(lobbyID string, action gameplay.Action) (ActionRecord, error) {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	return ActionRecord{
		LobbyID:  lobbyID,
		Seq:      action.Seq,
		Kind:     string(action.Kind),
		UserID:   action.User,
		TargetID: action.TargetID,
		Payload:  string(payload),
	}, nil
}
