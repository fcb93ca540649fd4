package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
)

const (
	defaultJobCacheSize = 10000
	defaultJobCacheTTL  = time.Hour
)

// JobStore keeps recent job snapshots for status lookups. Entries expire
// after ttl and the oldest are evicted past size.
type JobStore struct {
	cache *expirable.LRU[string, domain.Job]
}

func NewJobStore(size int, ttl time.Duration) *JobStore {
	if size <= 0 {
		size = defaultJobCacheSize
	}
	if ttl <= 0 {
		ttl = defaultJobCacheTTL
	}
	return &JobStore{cache: expirable.NewLRU[string, domain.Job](size, nil, ttl)}
}

func (s *JobStore) Put(job domain.Job) {
	s.cache.Add(job.ID, job)
}

func (s *JobStore) Get(jobID string) (domain.Job, bool) {
	return s.cache.Get(jobID)
}

func (s *JobStore) Len() int {
	return s.cache.Len()
}
