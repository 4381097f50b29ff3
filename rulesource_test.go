package warden

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(path, []byte("||ads.example^\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &FileSource{Path: path}
	text, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if text != "||ads.example^\n" {
		t.Errorf("text = %q", text)
	}

	src = &FileSource{Path: filepath.Join(dir, "missing.txt")}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Error("missing file should fail")
	}
}

func TestURLSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("||remote.example^"))
	}))
	defer server.Close()

	src := &URLSource{URL: server.URL}
	text, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if text != "||remote.example^" {
		t.Errorf("text = %q", text)
	}
}

func TestURLSource_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	src := &URLSource{URL: server.URL}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Error("non-200 should fail")
	}
}

func TestStaticSource(t *testing.T) {
	src := &StaticSource{Text: "##.ad"}
	text, err := src.Fetch(context.Background())
	if err != nil || text != "##.ad" {
		t.Errorf("Fetch = (%q, %v)", text, err)
	}
}

func TestBuildSource(t *testing.T) {
	if _, err := buildSource(SourceConfig{Type: "file", Path: "/tmp/x"}); err != nil {
		t.Errorf("file source: %v", err)
	}
	if _, err := buildSource(SourceConfig{Type: "file"}); err == nil {
		t.Error("file source without path should fail")
	}
	if _, err := buildSource(SourceConfig{Type: "url", URL: "http://x/"}); err != nil {
		t.Errorf("url source: %v", err)
	}
	if _, err := buildSource(SourceConfig{Type: "url"}); err == nil {
		t.Error("url source without url should fail")
	}
	if _, err := buildSource(SourceConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown source type should fail")
	}

	// sqlx.Open does not dial; construction succeeds without a server.
	src, err := buildSource(SourceConfig{
		Type:     "postgres",
		DSN:      "postgres://warden@localhost/warden?sslmode=disable",
		Category: 2,
		Query:    "SELECT rule_text FROM custom WHERE category = $1",
	})
	if err != nil {
		t.Fatalf("postgres source: %v", err)
	}
	pg, ok := src.(*PostgresSource)
	if !ok {
		t.Fatalf("source type %T", src)
	}
	defer func() { _ = pg.Close() }()
	if pg.Query != "SELECT rule_text FROM custom WHERE category = $1" {
		t.Errorf("query override lost: %q", pg.Query)
	}
	if pg.Category != 2 {
		t.Errorf("category = %d", pg.Category)
	}

	if _, err := buildSource(SourceConfig{Type: "postgres"}); err == nil {
		t.Error("postgres source without dsn should fail")
	}
}
