package warden

import (
	"html/template"
	"io"
	"strings"
)

// BlockPage renders the HTML body served in place of blocked document
// requests.
type BlockPage struct {
	template *template.Template
}

// BlockPageData is the data passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	Rule      string
	Category  uint8
	Timestamp string
}

// DefaultBlockPageHTML is the built-in block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Request Blocked</title>
    <style>
        body {
            margin: 0;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f5f7;
            color: #24292f;
            display: flex;
            min-height: 100vh;
            align-items: center;
            justify-content: center;
        }
        .card {
            background: #fff;
            border: 1px solid #d0d7de;
            border-radius: 8px;
            padding: 32px 40px;
            max-width: 560px;
            width: 90%;
            box-shadow: 0 4px 16px rgba(0, 0, 0, 0.08);
        }
        h1 {
            margin: 0 0 8px;
            font-size: 22px;
            color: #b42318;
        }
        p.lead {
            margin: 0 0 24px;
            color: #57606a;
        }
        dl {
            margin: 0 0 24px;
            border-top: 1px solid #d8dee4;
        }
        dt {
            float: left;
            clear: left;
            width: 90px;
            padding: 8px 0;
            color: #57606a;
            font-size: 13px;
        }
        dd {
            margin: 0 0 0 100px;
            padding: 8px 0;
            font-size: 13px;
            word-break: break-all;
            border-bottom: 1px solid #d8dee4;
        }
        .footer {
            font-size: 12px;
            color: #8c959f;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>Request Blocked</h1>
        <p class="lead">This request was stopped by a filtering policy on this device.</p>
        <dl>
            <dt>URL</dt><dd>{{.URL}}</dd>
            <dt>Host</dt><dd>{{.Host}}</dd>
            <dt>Rule</dt><dd>{{.Rule}}</dd>
            <dt>Category</dt><dd>{{.Category}}</dd>
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
        <p class="footer">warden &mdash; endpoint traffic control</p>
    </div>
</body>
</html>`

// NewBlockPage creates a BlockPage with the built-in template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template
// string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the block page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the block page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
