package supportbot

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// KeywordStore maps tag keywords to their responses. Reads are served
// from an in-memory cache. Writes go to the database first, and the
// cache is only updated once the write has succeeded. The lock is held
// across both steps, so readers never see an uncommitted entry.
type KeywordStore struct {
	db     DBI
	mu     sync.RWMutex
	cache  map[string]string
	logger *slog.Logger
}

func NewKeywordStore(db DBI, logger *slog.Logger) *KeywordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordStore{
		db:     db,
		cache:  map[string]string{},
		logger: logger.With(loggerNameKey, "keyword_store"),
	}
}

func normalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

// Load replaces the cache with the full contents of the keywords table
func (s *KeywordStore) Load(ctx context.Context) error {
	var rows []Keyword
	if err := s.db.Find(ctx, &rows); err != nil {
		return storageError("load keywords", err)
	}

	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.Keyword] = row.Response
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "loaded keywords", "count", len(cache))
	return nil
}

// Add inserts or replaces the response for keyword. It reports whether
// a row was written.
func (s *KeywordStore) Add(ctx context.Context, keyword string, response string) (
	bool,
	error,
) {
	keyword = normalizeKeyword(keyword)
	response = strings.TrimSpace(response)
	if keyword == "" {
		return false, validationErrorf("Keyword can't be empty.")
	}
	if response == "" {
		return false, validationErrorf("Response can't be empty.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := &Keyword{Keyword: keyword, Response: response}
	rows, err := s.db.Upsert(
		ctx,
		row,
		[]string{columnKeywordKeyword},
		[]string{columnKeywordResponse},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error saving keyword", "keyword", keyword, tint.Err(err))
		return false, storageError("save keyword", err)
	}

	s.cache[keyword] = response
	return rows > 0, nil
}

// Get returns the response for keyword, ignoring case.
func (s *KeywordStore) Get(keyword string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	response, ok := s.cache[normalizeKeyword(keyword)]
	return response, ok
}

// Delete removes keyword, reporting whether it existed.
func (s *KeywordStore) Delete(ctx context.Context, keyword string) (bool, error) {
	keyword = normalizeKeyword(keyword)
	if keyword == "" {
		return false, validationErrorf("Keyword can't be empty.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Delete(ctx, &Keyword{}, columnKeywordKeyword+" = ?", keyword)
	if err != nil {
		s.logger.ErrorContext(ctx, "error deleting keyword", "keyword", keyword, tint.Err(err))
		return false, storageError("delete keyword", err)
	}
	if rows == 0 {
		return false, nil
	}
	delete(s.cache, keyword)
	return true, nil
}

// List returns every keyword, sorted
func (s *KeywordStore) List() []string {
	s.mu.RLock()
	keywords := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keywords = append(keywords, k)
	}
	s.mu.RUnlock()
	sort.Strings(keywords)
	return keywords
}

func (s *KeywordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
