package directory

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/Obulo/starter-kit/internal/store"
)

const idxWorkspaces = "obulo_workspaces"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the workspace
// index. The caller proceeds without it when the instance never comes up.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("directory: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxWorkspaces,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("directory: create index %s (may already exist): %v", idxWorkspaces, err)
	}

	index := m.client.Index(idxWorkspaces)
	searchable := []string{"name", "organizationId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("directory: update searchable attrs for %s: %v", idxWorkspaces, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("directory: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(query string, limit int) ([]Entry, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxWorkspaces).Search(query, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Entry, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, Entry{
			ID:    decodeString(hit, "id"),
			Name:  decodeString(hit, "name"),
			OrgID: decodeString(hit, "organizationId"),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Index pushes one workspace row into the search index.
func (m *Meili) Index(item store.Workspace) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	if _, err := m.client.Index(idxWorkspaces).AddDocuments([]Entry{entryFromWorkspace(item)}, nil); err != nil {
		return fmt.Errorf("index workspace: %w", err)
	}
	return nil
}
