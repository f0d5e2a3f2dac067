package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pullcache/registry-proxy/internal/domain"
)

// ReposDocument is the declarative shape of the optional repositories file:
// a flat list of repositories and named groups referencing them by name.
// It exists so an operator can describe the registry topology once, in
// version control, instead of seeding it by hand through direct database
// writes.
type ReposDocument struct {
	Repositories []RepositoryDecl `yaml:"repositories"`
	Groups       []GroupDecl      `yaml:"groups"`
}

type RepositoryDecl struct {
	Name            string `yaml:"name"`
	Format          string `yaml:"format"`
	Kind            string `yaml:"kind"`
	UpstreamBaseURL string `yaml:"upstreamBaseURL"`
	Username        string `yaml:"upstreamUsername"`
	Password        string `yaml:"upstreamPassword"`
	DefaultTTL      string `yaml:"defaultTTL"`
	Enabled         *bool  `yaml:"enabled"`
}

type GroupDecl struct {
	Name    string       `yaml:"name"`
	Format  string       `yaml:"format"`
	Members []MemberDecl `yaml:"members"`
}

type MemberDecl struct {
	Repository string `yaml:"repository"`
	Priority   int    `yaml:"priority"`
}

// LoadReposDocument parses path into a ReposDocument. An empty path is not
// an error — it means no declarative file was configured.
func LoadReposDocument(path string) (*ReposDocument, error) {
	if path == "" {
		return &ReposDocument{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}
	var doc ReposDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse repos file: %w", err)
	}
	return &doc, nil
}

// Reconcile upserts every declared repository and group into the database,
// run once at startup. It is idempotent: repeated runs against an
// unchanged file are a no-op beyond the upsert itself.
func (doc *ReposDocument) Reconcile(ctx context.Context, repos domain.RepositoryRepository, groups domain.GroupRepository) error {
	byName := make(map[string]*domain.Repository, len(doc.Repositories))

	for _, rd := range doc.Repositories {
		ttl, err := parseTTL(rd.DefaultTTL)
		if err != nil {
			return fmt.Errorf("repository %s: %w", rd.Name, err)
		}
		enabled := true
		if rd.Enabled != nil {
			enabled = *rd.Enabled
		}
		repo := &domain.Repository{
			Name:             rd.Name,
			Format:           domain.Format(rd.Format),
			Kind:             domain.Kind(rd.Kind),
			UpstreamBaseURL:  rd.UpstreamBaseURL,
			UpstreamUsername: rd.Username,
			UpstreamPassword: rd.Password,
			DefaultTTL:       ttl,
			Enabled:          enabled,
		}
		if err := repos.Upsert(ctx, repo); err != nil {
			return fmt.Errorf("upsert repository %s: %w", rd.Name, err)
		}
		byName[rd.Name] = repo
	}

	for _, gd := range doc.Groups {
		group := &domain.Group{Name: gd.Name, Format: domain.Format(gd.Format)}
		if err := groups.Create(ctx, group); err != nil {
			return fmt.Errorf("upsert group %s: %w", gd.Name, err)
		}
		for _, md := range gd.Members {
			repo, ok := byName[md.Repository]
			if !ok {
				return fmt.Errorf("group %s: unknown member repository %s", gd.Name, md.Repository)
			}
			if err := groups.AddMember(ctx, group.ID, repo.ID, md.Priority); err != nil {
				return fmt.Errorf("group %s: add member %s: %w", gd.Name, md.Repository, err)
			}
		}
	}

	return nil
}

func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
