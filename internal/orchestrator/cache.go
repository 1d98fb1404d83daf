package orchestrator

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/cloudkeep/versionstore/internal/core"
)

// datasetCacheTTL matches the read-through window the get-dataset path
// needs for active-version resolution during a publish cutover.
const datasetCacheTTL = 10 * time.Second

// datasetCache is a read-through TTL cache in front of MetadataStore's
// GetDataset. Concurrent misses for the same name are collapsed into a
// single backend call via singleflight, so a cache expiry under load does
// not dogpile the metadata store.
type datasetCache struct {
	store core.MetadataStore
	lru   *expirable.LRU[string, *core.Dataset]
	group singleflight.Group
}

func newDatasetCache(store core.MetadataStore) *datasetCache {
	return &datasetCache{
		store: store,
		lru:   expirable.NewLRU[string, *core.Dataset](1024, nil, datasetCacheTTL),
	}
}

// get returns the dataset named name, using the cache when possible. A
// nil, nil result means the dataset does not exist — same absent-marker
// convention as MetadataStore.GetDataset.
func (c *datasetCache) get(ctx context.Context, name string) (*core.Dataset, error) {
	if d, ok := c.lru.Get(name); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		d, err := c.store.GetDataset(ctx, name)
		if err != nil {
			return nil, err
		}
		c.lru.Add(name, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Dataset), nil
}

// invalidate drops name from the cache. Callers that mutate a dataset
// (activate-version) should invalidate rather than wait out the TTL.
func (c *datasetCache) invalidate(name string) {
	c.lru.Remove(name)
}
