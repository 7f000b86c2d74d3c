// Package registry loads the podcast registry YAML file, the single
// source of truth for podcast configuration and database routing. The
// core consumes it read-only.
package registry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/podcastkg/ingest-engine/internal/model"
)

// entry is the on-disk shape of one podcast registration.
type entry struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	RSS    string `yaml:"rss_feed_url"`
	DB     struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database_name"`
		Port     int    `yaml:"port"`
	} `yaml:"database"`
}

type document struct {
	Podcasts []entry `yaml:"podcasts"`
}

// Registry is a read-only, process-wide cache of podcast configuration.
type Registry struct {
	mu       sync.RWMutex
	path     string
	podcasts map[string]model.Podcast
}

// Load reads and parses the registry YAML file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}

	podcasts := make(map[string]model.Podcast, len(doc.Podcasts))
	for _, e := range doc.Podcasts {
		if e.ID == "" {
			return nil, fmt.Errorf("registry: entry with empty id in %s", path)
		}
		podcasts[e.ID] = model.Podcast{
			ID:     e.ID,
			Name:   e.Name,
			RSSURL: e.RSS,
			Database: model.DatabaseTarget{
				URI:      e.DB.URI,
				Database: e.DB.Database,
				Port:     e.DB.Port,
			},
		}
	}

	return &Registry{path: path, podcasts: podcasts}, nil
}

// Get returns the Podcast registered under id.
func (r *Registry) Get(id string) (model.Podcast, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.podcasts[id]
	return p, ok
}

// All returns every registered Podcast.
func (r *Registry) All() []model.Podcast {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Podcast, 0, len(r.podcasts))
	for _, p := range r.podcasts {
		out = append(out, p)
	}
	return out
}

// Reload re-reads the registry file in place, replacing the cached set
// atomically under the write lock.
func (r *Registry) Reload() error {
	fresh, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.podcasts = fresh.podcasts
	r.mu.Unlock()
	return nil
}
