package warden

import (
	"strings"
	"testing"
)

func TestBlockPage_RenderDefault(t *testing.T) {
	bp := NewBlockPage()
	out, err := bp.RenderString(BlockPageData{
		URL:      "http://ads.example.com/banner.gif",
		Host:     "ads.example.com",
		Rule:     "||ads.example.com^",
		Category: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ads.example.com/banner.gif", "||ads.example.com^", "Request Blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered page missing %q", want)
		}
	}
}

func TestBlockPage_EscapesHTML(t *testing.T) {
	bp := NewBlockPage()
	out, err := bp.RenderString(BlockPageData{URL: `http://x/<script>alert(1)</script>`})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Error("URL not HTML-escaped")
	}
}

func TestBlockPage_CustomTemplate(t *testing.T) {
	bp, err := NewBlockPageFromTemplate(`blocked: {{.Host}} (cat {{.Category}})`)
	if err != nil {
		t.Fatal(err)
	}
	out, err := bp.RenderString(BlockPageData{Host: "x.test", Category: 4})
	if err != nil {
		t.Fatal(err)
	}
	if out != "blocked: x.test (cat 4)" {
		t.Errorf("out = %q", out)
	}
}

func TestBlockPage_BadTemplate(t *testing.T) {
	if _, err := NewBlockPageFromTemplate(`{{.Unclosed`); err == nil {
		t.Fatal("bad template should fail")
	}
}
