package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

const (
	// DefaultSemanticScholarURL is the Semantic Scholar Graph API.
	DefaultSemanticScholarURL = "https://api.semanticscholar.org/graph/v1"

	// SourceSemanticScholar names the Semantic Scholar backend.
	SourceSemanticScholar = "semanticscholar"

	s2APIKeyHeader = "x-api-key"
	s2MaxPerPage   = 100
	s2PaperFields  = "paperId,externalIds,title,abstract,year,venue,authors,citationCount,isOpenAccess,openAccessPdf,url"
)

// SemanticScholarConfig configures the Semantic Scholar backend.
type SemanticScholarConfig struct {
	BaseURL string
	// APIKey raises the rate limit. Unauthenticated use is allowed.
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	MaxResults int
	MaxRetries int
}

// SemanticScholar searches the Semantic Scholar paper index.
type SemanticScholar struct {
	httpClient *HTTPClient
	config     SemanticScholarConfig
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

var _ Backend = (*SemanticScholar)(nil)

// NewSemanticScholar creates a Semantic Scholar backend.
func NewSemanticScholar(cfg SemanticScholarConfig, logger zerolog.Logger, metrics *observability.Metrics) *SemanticScholar {
	if cfg.RateLimit == 0 {
		// Unauthenticated keys share a pool of 100 requests per 5 minutes.
		cfg.RateLimit = 1
	}
	client := NewHTTPClient(HTTPClientConfig{
		Source:       SourceSemanticScholar,
		Timeout:      cfg.Timeout,
		RateLimit:    cfg.RateLimit,
		BurstSize:    1,
		MaxRetries:   cfg.MaxRetries,
		APIKey:       cfg.APIKey,
		APIKeyHeader: s2APIKeyHeader,
		Metrics:      metrics,
	})
	return NewSemanticScholarWithHTTPClient(cfg, client, logger, metrics)
}

// NewSemanticScholarWithHTTPClient creates a Semantic Scholar backend over an
// existing client.
func NewSemanticScholarWithHTTPClient(cfg SemanticScholarConfig, client *HTTPClient, logger zerolog.Logger, metrics *observability.Metrics) *SemanticScholar {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSemanticScholarURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	return &SemanticScholar{
		httpClient: client,
		config:     cfg,
		logger:     logger.With().Str("component", "search.semanticscholar").Logger(),
		metrics:    metrics,
	}
}

// Name implements Backend.
func (c *SemanticScholar) Name() string { return SourceSemanticScholar }

// Search implements Backend.
func (c *SemanticScholar) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	start := time.Now()
	papers, err := c.search(ctx, query, limit)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RecordSearch(SourceSemanticScholar, outcome, time.Since(start).Seconds())
	c.logger.Debug().
		Str("query", query).
		Int("results", len(papers)).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("semantic scholar search")
	return papers, err
}

func (c *SemanticScholar) search(ctx context.Context, query string, limit int) ([]Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewValidationError("query", "must not be empty")
	}

	searchURL, err := c.buildSearchURL(query, limit)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic scholar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s2ErrorResponse(resp)
	}

	var sr s2SearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&sr); err != nil {
		return nil, domain.NewExternalAPIError(SourceSemanticScholar, http.StatusBadGateway, "decoding response", err)
	}

	papers := make([]Paper, 0, len(sr.Data))
	for i := range sr.Data {
		if p, ok := s2ToPaper(&sr.Data[i]); ok {
			papers = append(papers, p)
		}
	}
	return papers, nil
}

func (c *SemanticScholar) buildSearchURL(query string, limit int) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("paper", "search")

	if limit <= 0 {
		limit = c.config.MaxResults
	}
	if limit > s2MaxPerPage {
		limit = s2MaxPerPage
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("fields", s2PaperFields)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// s2ErrorResponse reads an error body, which is JSON with either an error
// or a message field, or plain text.
func s2ErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewExternalAPIError(SourceSemanticScholar, resp.StatusCode, "failed to read error response", err)
	}
	message := strings.TrimSpace(string(body))
	var er s2Error
	if json.Unmarshal(body, &er) == nil {
		if er.Error != "" {
			message = er.Error
		} else if er.Message != "" {
			message = er.Message
		}
	}
	return domain.NewExternalAPIError(SourceSemanticScholar, resp.StatusCode, message, nil)
}

type s2SearchResponse struct {
	Total int       `json:"total"`
	Next  int       `json:"next"`
	Data  []s2Paper `json:"data"`
}

type s2Paper struct {
	PaperID       string         `json:"paperId"`
	Title         string         `json:"title"`
	Abstract      string         `json:"abstract"`
	Year          int            `json:"year"`
	Venue         string         `json:"venue"`
	URL           string         `json:"url"`
	CitationCount int            `json:"citationCount"`
	IsOpenAccess  bool           `json:"isOpenAccess"`
	Authors       []s2Author     `json:"authors"`
	ExternalIDs   *s2ExternalIDs `json:"externalIds,omitempty"`
	OpenAccessPDF *s2PDF         `json:"openAccessPdf,omitempty"`
}

type s2ExternalIDs struct {
	DOI string `json:"DOI,omitempty"`
}

type s2Author struct {
	Name string `json:"name"`
}

type s2PDF struct {
	URL string `json:"url,omitempty"`
}

type s2Error struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func s2ToPaper(r *s2Paper) (Paper, bool) {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return Paper{}, false
	}
	p := Paper{
		ID:            r.PaperID,
		Title:         title,
		Abstract:      r.Abstract,
		Year:          r.Year,
		Venue:         r.Venue,
		CitationCount: r.CitationCount,
		URL:           r.URL,
		OpenAccess:    r.IsOpenAccess,
	}
	if r.ExternalIDs != nil {
		p.DOI = normalizeDOI(r.ExternalIDs.DOI)
	}
	for _, a := range r.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			p.Authors = append(p.Authors, name)
		}
	}
	if r.OpenAccessPDF != nil && r.OpenAccessPDF.URL != "" {
		p.URL = r.OpenAccessPDF.URL
	}
	if p.URL == "" && p.DOI != "" {
		p.URL = doiPrefix + p.DOI
	}
	return p, true
}
