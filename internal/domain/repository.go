package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Format identifies which protocol adapter a Repository or Group serves.
type Format string

const (
	FormatNPM     Format = "npm"
	FormatPyPI    Format = "pypi"
	FormatDocker  Format = "docker"
	FormatGo      Format = "go"
	FormatMaven   Format = "maven"
	FormatNuGet   Format = "nuget"
	FormatGeneric Format = "generic"
)

// Kind distinguishes a hosted source from a proxy to an upstream. A
// fan-out group is not a Kind: it never appears in the Repository table
// itself and is modelled separately (see Group). GroupMember rows
// reference Repository.Kind for the
// type=proxy candidate filter in the cache engine's upstream pass.
type Kind string

const (
	KindHosted Kind = "hosted"
	KindProxy  Kind = "proxy"
)

// Repository is a named, typed, single-format artifact source.
type Repository struct {
	ID                uuid.UUID
	Name              string
	Format            Format
	Kind              Kind
	UpstreamBaseURL   string
	UpstreamUsername  string
	UpstreamPassword  string
	DefaultTTL        time.Duration
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasCredentials reports whether a proxy repository carries upstream
// basic-auth credentials.
func (r *Repository) HasCredentials() bool {
	return r.UpstreamUsername != "" || r.UpstreamPassword != ""
}

type RepositoryRepository interface {
	Create(ctx context.Context, repo *Repository) error
	Upsert(ctx context.Context, repo *Repository) error
	GetByID(ctx context.Context, id uuid.UUID) (*Repository, error)
	GetByName(ctx context.Context, name string) (*Repository, error)
	List(ctx context.Context) ([]*Repository, error)
}
