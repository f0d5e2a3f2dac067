package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DownloadEvent is an append-only audit row. It is never read on the
// serving path; writes may be dropped under pressure.
type DownloadEvent struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	Name         string
	Version      string
	ClientIP     string
	UserAgent    string
	OccurredAt   time.Time
}

type DownloadEventRepository interface {
	Record(ctx context.Context, event *DownloadEvent) error
}
