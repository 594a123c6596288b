package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Multi queries several backends concurrently and merges their hits.
//
// Results keep backend order, then per-backend rank. Papers are deduplicated
// by DOI, falling back to a normalized title. A backend that fails is logged
// and skipped; Search fails only when every backend fails.
type Multi struct {
	backends []Backend
	logger   zerolog.Logger
}

var _ Backend = (*Multi)(nil)

// NewMulti creates a Multi over backends. Nil entries are ignored.
func NewMulti(logger zerolog.Logger, backends ...Backend) *Multi {
	m := &Multi{logger: logger.With().Str("component", "search.multi").Logger()}
	for _, b := range backends {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// Name implements Backend.
func (m *Multi) Name() string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.Name()
	}
	return strings.Join(names, "+")
}

type backendResult struct {
	papers []Paper
	err    error
}

// Search implements Backend.
func (m *Multi) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	if len(m.backends) == 0 {
		return nil, errors.New("search: no backends configured")
	}
	if len(m.backends) == 1 {
		return m.backends[0].Search(ctx, query, limit)
	}

	results := make([]backendResult, len(m.backends))
	var wg sync.WaitGroup
	for i, b := range m.backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			papers, err := b.Search(ctx, query, limit)
			results[i] = backendResult{papers: papers, err: err}
		}()
	}
	wg.Wait()

	var errs []error
	seen := make(map[string]bool)
	var merged []Paper
	for i, r := range results {
		if r.err != nil {
			m.logger.Warn().Err(r.err).Str("backend", m.backends[i].Name()).Msg("search backend failed")
			errs = append(errs, fmt.Errorf("%s: %w", m.backends[i].Name(), r.err))
			continue
		}
		for _, p := range r.papers {
			key := dedupKey(p)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, p)
		}
	}
	if len(errs) == len(results) {
		return nil, errors.Join(errs...)
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func dedupKey(p Paper) string {
	if p.DOI != "" {
		return "doi:" + strings.ToLower(p.DOI)
	}
	return "title:" + strings.Join(strings.Fields(strings.ToLower(p.Title)), " ")
}
