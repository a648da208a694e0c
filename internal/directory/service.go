package directory

import (
	"context"
	"log"

	"github.com/Obulo/starter-kit/internal/store"
)

type fallbackStore interface {
	SearchWorkspaces(ctx context.Context, query string, limit int) ([]store.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// the record store.
type Service struct {
	meili *Meili
	store fallbackStore
}

// NewService creates a directory service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, fallback fallbackStore) *Service {
	return &Service{meili: meili, store: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, query string, limit int) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(query, limit)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: query}
		}
		log.Printf("directory: meilisearch error, falling back to postgres: %v", err)
	}

	rows, err := s.store.SearchWorkspaces(ctx, query, limit)
	if err != nil {
		log.Printf("directory: postgres search error: %v", err)
		return Response{Results: []Entry{}, Total: 0, Query: query}
	}
	results := make([]Entry, 0, len(rows))
	for _, row := range rows {
		results = append(results, entryFromWorkspace(row))
	}
	return Response{Results: results, Total: len(results), Query: query}
}

// IndexWorkspace indexes a workspace row (fire-and-forget to Meilisearch).
func (s *Service) IndexWorkspace(item store.Workspace) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Index(item); err != nil {
			log.Printf("directory: index workspace %s: %v", item.ID, err)
		}
	}()
}

// Backfill pushes every existing workspace row into the search index.
// Called once at startup when Meilisearch is configured.
func (s *Service) Backfill(ctx context.Context) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	rows, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := s.meili.Index(row); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
