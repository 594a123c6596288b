// Package search provides the literature search backends used by the
// literature stage. OpenAlex and Semantic Scholar are queried through a
// rate-limited, retrying HTTP client, and Multi merges several backends.
package search

import (
	"context"
)

// Paper is a search hit, normalized across backends.
type Paper struct {
	ID            string   `json:"id"`
	DOI           string   `json:"doi,omitempty"`
	Title         string   `json:"title"`
	Abstract      string   `json:"abstract,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	Year          int      `json:"year,omitempty"`
	Venue         string   `json:"venue,omitempty"`
	CitationCount int      `json:"citation_count"`
	URL           string   `json:"url,omitempty"`
	OpenAccess    bool     `json:"open_access"`
}

// Backend searches a literature index.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Search returns up to limit papers matching query, most relevant first.
	// A limit of zero means the backend default.
	Search(ctx context.Context, query string, limit int) ([]Paper, error)
}

// StaticBackend serves a fixed result set. It backs local runs without
// network access and tests of the literature stage.
type StaticBackend struct {
	Papers []Paper
	Err    error
}

// Name implements Backend.
func (s *StaticBackend) Name() string { return "static" }

// Search implements Backend.
func (s *StaticBackend) Search(ctx context.Context, _ string, limit int) ([]Paper, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if limit <= 0 || limit > len(s.Papers) {
		limit = len(s.Papers)
	}
	out := make([]Paper, limit)
	copy(out, s.Papers[:limit])
	return out, nil
}
