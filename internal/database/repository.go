package database

import (
	"context"
	"time"

	"github.com/flowpbx/callnotify/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// CallRecordListFilter specifies filtering and pagination for call history
// queries.
type CallRecordListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches caller_name or caller_id
	EndReason string // "declined", "timeout", "completed", or "" for all
}

// CallRecordRepository manages archived call sessions.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	// DeleteEndedBefore removes records of calls that ended before cutoff
	// and returns how many were removed.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
