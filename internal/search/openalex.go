package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

const (
	// DefaultOpenAlexURL is the public OpenAlex API.
	DefaultOpenAlexURL = "https://api.openalex.org"

	// SourceOpenAlex names the OpenAlex backend.
	SourceOpenAlex = "openalex"

	defaultMaxResults = 10
	maxPerPage        = 200
	maxAbstractWords  = 100_000
	maxBodySize       = 10 << 20

	doiPrefix        = "https://doi.org/"
	openAlexIDPrefix = "https://openalex.org/"
)

// OpenAlexConfig configures the OpenAlex backend.
type OpenAlexConfig struct {
	BaseURL string
	// Mailto opts into the OpenAlex polite pool.
	Mailto     string
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	MaxResults int
	// MaxRetries is passed to the HTTP client.
	MaxRetries int
}

// OpenAlex searches the OpenAlex works index.
type OpenAlex struct {
	httpClient *HTTPClient
	config     OpenAlexConfig
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

var _ Backend = (*OpenAlex)(nil)

// NewOpenAlex creates an OpenAlex backend.
func NewOpenAlex(cfg OpenAlexConfig, logger zerolog.Logger, metrics *observability.Metrics) *OpenAlex {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAlexURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	userAgent := defaultUserAgent
	if cfg.Mailto != "" {
		userAgent = fmt.Sprintf("%s (mailto:%s)", defaultUserAgent, cfg.Mailto)
	}
	client := NewHTTPClient(HTTPClientConfig{
		Source:     SourceOpenAlex,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		MaxRetries: cfg.MaxRetries,
		UserAgent:  userAgent,
		Metrics:    metrics,
	})
	return NewOpenAlexWithHTTPClient(cfg, client, logger, metrics)
}

// NewOpenAlexWithHTTPClient creates an OpenAlex backend over an existing client.
func NewOpenAlexWithHTTPClient(cfg OpenAlexConfig, client *HTTPClient, logger zerolog.Logger, metrics *observability.Metrics) *OpenAlex {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAlexURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	return &OpenAlex{
		httpClient: client,
		config:     cfg,
		logger:     logger.With().Str("component", "search.openalex").Logger(),
		metrics:    metrics,
	}
}

// Name implements Backend.
func (c *OpenAlex) Name() string { return SourceOpenAlex }

// Search implements Backend.
func (c *OpenAlex) Search(ctx context.Context, query string, limit int) ([]Paper, error) {
	start := time.Now()
	papers, err := c.search(ctx, query, limit)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RecordSearch(SourceOpenAlex, outcome, time.Since(start).Seconds())
	c.logger.Debug().
		Str("query", query).
		Int("results", len(papers)).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("openalex search")
	return papers, err
}

func (c *OpenAlex) search(ctx context.Context, query string, limit int) ([]Paper, error) {
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
		return nil, fmt.Errorf("openalex: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(SourceOpenAlex, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var sr worksResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&sr); err != nil {
		return nil, domain.NewExternalAPIError(SourceOpenAlex, http.StatusBadGateway, "decoding response", err)
	}

	papers := make([]Paper, 0, len(sr.Results))
	for i := range sr.Results {
		if p, ok := workToPaper(&sr.Results[i]); ok {
			papers = append(papers, p)
		}
	}
	return papers, nil
}

func (c *OpenAlex) buildSearchURL(query string, limit int) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/works"

	if limit <= 0 {
		limit = c.config.MaxResults
	}
	if limit > maxPerPage {
		limit = maxPerPage
	}

	q := url.Values{}
	q.Set("search", query)
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("filter", "type:!preprint")
	if c.config.Mailto != "" {
		q.Set("mailto", c.config.Mailto)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// worksResponse is the /works list envelope.
type worksResponse struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
	Results []work `json:"results"`
}

type work struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	PublicationYear       int              `json:"publication_year"`
	CitedByCount          int              `json:"cited_by_count"`
	Authorships           []authorship     `json:"authorships"`
	PrimaryLocation       *location        `json:"primary_location"`
	OpenAccess            *openAccess      `json:"open_access"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

type authorship struct {
	Author struct {
		DisplayName string `json:"display_name"`
	} `json:"author"`
}

type location struct {
	LandingPageURL string `json:"landing_page_url"`
	Source         *struct {
		DisplayName string `json:"display_name"`
	} `json:"source"`
}

type openAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}

// workToPaper converts a work, dropping works without an ID or title.
func workToPaper(w *work) (Paper, bool) {
	id := strings.TrimSpace(strings.TrimPrefix(w.ID, openAlexIDPrefix))
	title := w.DisplayName
	if title == "" {
		title = w.Title
	}
	if id == "" || title == "" {
		return Paper{}, false
	}

	p := Paper{
		ID:            id,
		DOI:           normalizeDOI(w.DOI),
		Title:         title,
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Year:          w.PublicationYear,
		CitationCount: w.CitedByCount,
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			p.Authors = append(p.Authors, a.Author.DisplayName)
		}
	}
	if w.PrimaryLocation != nil {
		p.URL = w.PrimaryLocation.LandingPageURL
		if w.PrimaryLocation.Source != nil {
			p.Venue = w.PrimaryLocation.Source.DisplayName
		}
	}
	if w.OpenAccess != nil {
		p.OpenAccess = w.OpenAccess.IsOA
		if w.OpenAccess.OAURL != "" {
			p.URL = w.OpenAccess.OAURL
		}
	}
	if p.URL == "" && p.DOI != "" {
		p.URL = doiPrefix + p.DOI
	}
	return p, true
}

// normalizeDOI strips doi.org prefixes and lowercases.
func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	if doi == "" {
		return ""
	}
	doi = strings.TrimPrefix(doi, doiPrefix)
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.ToLower(strings.TrimSpace(doi))
}

// reconstructAbstract rebuilds text from OpenAlex's word -> positions index.
func reconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	type posWord struct {
		pos  int
		word string
	}
	total := 0
	for _, positions := range index {
		total += len(positions)
	}
	if total > maxAbstractWords {
		return ""
	}
	pairs := make([]posWord, 0, total)
	for word, positions := range index {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pos < pairs[j].pos })

	var b strings.Builder
	b.Grow(total * 7)
	for i, pw := range pairs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(pw.word)
	}
	return b.String()
}
