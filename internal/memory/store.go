package memory

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/redis/go-redis/v9"
)

// lessonDoc is the shape indexed by bleve; only text fields participate
// in relevance ranking.
type lessonDoc struct {
	Lesson      string `json:"lesson"`
	SourceQuery string `json:"source_query"`
}

// Store ranks lessons with an in-memory bleve index. When a redis client is
// provided, lessons are also written through to redis and reloaded into the
// index on construction, so they survive restarts.
type Store struct {
	mu      sync.RWMutex
	index   bleve.Index
	lessons map[string]Lesson
	redis   *redis.Client
	logger  *log.Logger
}

// NewStore builds a lesson store. rdb may be nil for a purely in-memory store.
func NewStore(rdb *redis.Client, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	s := &Store{
		index:   index,
		lessons: make(map[string]Lesson),
		redis:   rdb,
		logger:  logger,
	}
	if rdb != nil {
		if err := s.reload(context.Background()); err != nil {
			logger.Printf("warn: reloading lessons from redis failed: %v", err)
		}
	}
	return s, nil
}

// reload re-indexes every persisted lesson.
func (s *Store) reload(ctx context.Context) error {
	keys, err := s.redis.Keys(ctx, lessonKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	loaded := 0
	for _, key := range keys {
		val, err := s.redis.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var l Lesson
		if err := json.Unmarshal([]byte(val), &l); err != nil {
			s.logger.Printf("warn: skipping malformed lesson at %s: %v", key, err)
			continue
		}
		if err := s.indexLesson(l); err != nil {
			return err
		}
		loaded++
	}
	if loaded > 0 {
		s.logger.Printf("loaded %d lessons from redis", loaded)
	}
	return nil
}

func (s *Store) indexLesson(l Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[l.ID] = l
	return s.index.Index(l.ID, lessonDoc{Lesson: l.Lesson, SourceQuery: l.SourceQuery})
}

func (s *Store) Put(ctx context.Context, l Lesson) error {
	if s.redis != nil {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := s.redis.Set(ctx, lessonKeyPrefix+l.ID, data, 0).Err(); err != nil {
			return err
		}
	}
	return s.indexLesson(l)
}

// Search returns up to limit lessons that match the query, best first.
func (s *Store) Search(_ context.Context, query string, limit int) ([]Lesson, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Lesson
	for _, hit := range res.Hits {
		if l, ok := s.lessons[hit.ID]; ok {
			out = append(out, l)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
