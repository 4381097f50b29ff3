package warden

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// RuleSource produces filter list (or trigger list) text for loading
// into the stores. Sources are fetched at start and again on reload.
type RuleSource interface {
	// Fetch returns the raw list text.
	Fetch(ctx context.Context) (string, error)
}

// RuleSourceFunc is a function adapter for RuleSource.
type RuleSourceFunc func(ctx context.Context) (string, error)

// Fetch calls the underlying function.
func (f RuleSourceFunc) Fetch(ctx context.Context) (string, error) {
	return f(ctx)
}

// FileSource reads a list from disk.
type FileSource struct {
	Path string
}

// Fetch implements RuleSource.
func (s *FileSource) Fetch(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read list %s: %w", s.Path, err)
	}
	return string(data), nil
}

// URLSource fetches a list over HTTP.
type URLSource struct {
	URL string

	// Client for HTTP requests; http.DefaultClient when nil.
	Client *http.Client
}

// Fetch implements RuleSource.
func (s *URLSource) Fetch(ctx context.Context) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch list %s: unexpected status %d", s.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read list body: %w", err)
	}
	return string(data), nil
}

// defaultPostgresQuery fetches enabled rule lines from the filter_rules
// table:
//
//	CREATE TABLE filter_rules (
//	    id SERIAL PRIMARY KEY,
//	    rule_text TEXT NOT NULL,
//	    category SMALLINT NOT NULL,
//	    enabled BOOLEAN DEFAULT true
//	);
const defaultPostgresQuery = `
	SELECT rule_text
	FROM filter_rules
	WHERE enabled = true AND category = $1
	ORDER BY id
`

// PostgresSource loads list lines from a PostgreSQL table and joins
// them into list text.
type PostgresSource struct {
	DB *sqlx.DB

	// Query must select a single text column and take the category as
	// its only parameter. Defaults to defaultPostgresQuery.
	Query string

	// Category is bound to the query parameter.
	Category uint8
}

// NewPostgresSource opens a connection pool for the given DSN.
func NewPostgresSource(dsn string, category uint8) (*PostgresSource, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrConfig, err)
	}
	return &PostgresSource{DB: db, Category: category}, nil
}

// Fetch implements RuleSource.
func (s *PostgresSource) Fetch(ctx context.Context) (string, error) {
	query := s.Query
	if query == "" {
		query = defaultPostgresQuery
	}
	var lines []string
	if err := s.DB.SelectContext(ctx, &lines, query, int(s.Category)); err != nil {
		return "", fmt.Errorf("query rules: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() error {
	return s.DB.Close()
}

// StaticSource returns fixed list text, mostly for tests.
type StaticSource struct {
	Text string
}

// Fetch implements RuleSource.
func (s *StaticSource) Fetch(_ context.Context) (string, error) {
	return s.Text, nil
}

// buildSource constructs the RuleSource described by a SourceConfig.
func buildSource(sc SourceConfig) (RuleSource, error) {
	switch sc.Type {
	case "file":
		if sc.Path == "" {
			return nil, fmt.Errorf("%w: file source needs a path", ErrConfig)
		}
		return &FileSource{Path: sc.Path}, nil
	case "url":
		if sc.URL == "" {
			return nil, fmt.Errorf("%w: url source needs a url", ErrConfig)
		}
		return &URLSource{URL: sc.URL}, nil
	case "postgres":
		if sc.DSN == "" {
			return nil, fmt.Errorf("%w: postgres source needs a dsn", ErrConfig)
		}
		src, err := NewPostgresSource(sc.DSN, sc.Category)
		if err != nil {
			return nil, err
		}
		if sc.Query != "" {
			src.Query = sc.Query
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", ErrConfig, sc.Type)
	}
}
