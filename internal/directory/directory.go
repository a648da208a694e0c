// Package directory provides the workspace directory search: Meilisearch
// when configured and healthy, Postgres as the fallback.
package directory

import "github.com/Obulo/starter-kit/internal/store"

// Entry is a single directory hit returned to the caller.
type Entry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	OrgID string `json:"organizationId"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Entry `json:"results"`
	Total   int     `json:"total"`
	Query   string  `json:"query"`
}

// Searcher can execute a directory search.
type Searcher interface {
	Search(query string, limit int) ([]Entry, int, error)
	Healthy() bool
}

func entryFromWorkspace(item store.Workspace) Entry {
	return Entry{ID: item.ID, Name: item.Name, OrgID: item.OrgID}
}
