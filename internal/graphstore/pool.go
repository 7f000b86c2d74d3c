package graphstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/perr"
)

// Pool caches one neo4j.DriverWithContext per podcast, since each
// podcast in the registry may route to a logically separate database
// (spec §3's DatabaseTarget). Connections are validated on first use and
// reused thereafter; a failed validation surfaces as
// perr.ErrDatabaseUnavailable without caching the broken driver.
type Pool struct {
	mu      sync.Mutex
	drivers map[string]neo4j.DriverWithContext
	connect func(target model.DatabaseTarget) (neo4j.DriverWithContext, error)
}

// NewPool builds a Pool using the real neo4j driver constructor. connect
// is overridable in tests.
func NewPool(username, password string) *Pool {
	return &Pool{
		drivers: make(map[string]neo4j.DriverWithContext),
		connect: func(target model.DatabaseTarget) (neo4j.DriverWithContext, error) {
			return neo4j.NewDriverWithContext(target.URI, neo4j.BasicAuth(username, password, ""))
		},
	}
}

// Get returns the cached Store for podcast.ID, connecting and validating
// on first request.
func (p *Pool) Get(ctx context.Context, podcast model.Podcast) (*Store, error) {
	p.mu.Lock()
	driver, ok := p.drivers[podcast.ID]
	p.mu.Unlock()
	if ok {
		return New(driver), nil
	}

	driver, err := p.connect(podcast.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", perr.ErrDatabaseUnavailable, podcast.ID, err)
	}
	store := New(driver)
	if err := store.Ping(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	p.mu.Lock()
	p.drivers[podcast.ID] = driver
	p.mu.Unlock()
	return store, nil
}

// Close closes every cached driver, for clean process shutdown.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.drivers {
		d.Close(ctx)
	}
	p.drivers = make(map[string]neo4j.DriverWithContext)
}
