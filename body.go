package warden

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxFilterBody is the hard cap on response bytes buffered for
// filtering. Bodies past the cap are streamed unmodified.
const DefaultMaxFilterBody = 5 << 20

// filterOutcome describes what the body filter did to a response.
type filterOutcome struct {
	blocked        bool
	category       uint8
	ruleText       string // trigger keyword or empty for classifier hits
	elementsHidden int
	bodySize       int64
}

// bodyFilter applies text-trigger scanning, CSS element hiding, and the
// optional classification callback to buffered response bodies.
type bodyFilter struct {
	rules     *RuleStore
	triggers  *TriggerStore
	options   *ProgramOptions
	classify  ClassifyFunc
	blockPage *BlockPage
	maxBuffer int64
}

func newBodyFilter(rules *RuleStore, triggers *TriggerStore, options *ProgramOptions, classify ClassifyFunc, blockPage *BlockPage) *bodyFilter {
	return &bodyFilter{
		rules:     rules,
		triggers:  triggers,
		options:   options,
		classify:  classify,
		blockPage: blockPage,
		maxBuffer: DefaultMaxFilterBody,
	}
}

// contentKind splits a Content-Type header into the flags the filter
// cares about.
func contentKind(header string) (isHTML, isText bool) {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	isHTML = mediaType == "text/html" || mediaType == "application/xhtml+xml"
	isText = strings.HasPrefix(mediaType, "text/") || mediaType == "application/json"
	return isHTML, isText
}

// process inspects and possibly rewrites or replaces a response. The
// returned response is ready to deliver downstream; outcome reports
// what happened for event and metrics emission. Responses that need no
// inspection, exceed the buffer cap, or carry an undecodable encoding
// pass through untouched.
func (bf *bodyFilter) process(req *URLRequest, resp *http.Response) (*http.Response, filterOutcome) {
	var out filterOutcome
	if resp.Body == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return resp, out
	}

	isHTML, isText := contentKind(resp.Header.Get("Content-Type"))

	enabled := bf.options.Category
	var selectors []string
	if isHTML && bf.options.Option(OptFilterElementHiding) {
		selectors = bf.rules.ElementHideSelectors(req.Host, enabled)
	}
	scanTriggers := (isText || isHTML) && bf.options.Option(OptFilterTextTriggers)
	classify := bf.classify != nil && (isText || isHTML)

	if len(selectors) == 0 && !scanTriggers && !classify {
		return resp, out
	}
	if !decodable(resp.Header.Get("Content-Encoding")) {
		return resp, out
	}

	buf, overflow, err := bufferBody(resp.Body, bf.maxBuffer)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(buf))
		resp.ContentLength = int64(len(buf))
		return resp, out
	}
	if overflow != nil {
		// Past the cap: reattach what we read and stream the rest.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), overflow), overflow}
		return resp, out
	}
	out.bodySize = int64(len(buf))

	decoded, ok := decodeBody(resp.Header.Get("Content-Encoding"), buf, bf.maxBuffer)
	if !ok {
		resp.Body = io.NopCloser(bytes.NewReader(buf))
		return resp, out
	}

	document := isHTML || req.Type == TypeDocument

	if scanTriggers {
		if cat, keyword, hit := bf.triggers.QueryText(decoded, enabled); hit {
			out.blocked = true
			out.category = cat
			out.ruleText = keyword
			return bf.blockedResponse(req, document, cat, keyword), out
		}
	}

	modified := false
	if len(selectors) > 0 {
		decoded = injectStyle(decoded, selectors)
		out.elementsHidden = len(selectors)
		modified = true
	}

	if classify {
		if cat := bf.classify(decoded, resp.Header.Get("Content-Type")); cat != 0 && enabled(cat) {
			out.blocked = true
			out.category = cat
			return bf.blockedResponse(req, document, cat, ""), out
		}
	}

	if modified {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Transfer-Encoding")
		resp.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
		resp.ContentLength = int64(len(decoded))
		resp.Body = io.NopCloser(bytes.NewReader(decoded))
		resp.TransferEncoding = nil
		return resp, out
	}

	resp.Body = io.NopCloser(bytes.NewReader(buf))
	return resp, out
}

// bufferBody reads up to max bytes. When the body is larger, the bytes
// read so far are returned together with the unread remainder.
func bufferBody(body io.ReadCloser, max int64) (buf []byte, overflow io.ReadCloser, err error) {
	buf, err = io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		_ = body.Close()
		return buf, nil, err
	}
	if int64(len(buf)) > max {
		return buf, body, nil
	}
	_ = body.Close()
	return buf, nil, nil
}

// blockedResponse builds the replacement for a blocked payload: the
// HTML block page for document content when enabled, a bare 403
// otherwise.
func (bf *bodyFilter) blockedResponse(req *URLRequest, document bool, category uint8, ruleText string) *http.Response {
	return buildBlockResponse(bf.blockPage, bf.options, req, document, category, ruleText)
}

// buildBlockResponse is shared between request-phase blocking in the
// bridge and payload-phase blocking in the body filter.
func buildBlockResponse(bp *BlockPage, options *ProgramOptions, req *URLRequest, document bool, category uint8, ruleText string) *http.Response {
	if document && options.Option(OptUseHTMLBlockPage) && bp != nil {
		body, err := bp.RenderString(BlockPageData{
			URL:       req.URL,
			Host:      req.Host,
			Rule:      ruleText,
			Category:  category,
			Timestamp: time.Now().Format(time.RFC1123),
		})
		if err == nil {
			return &http.Response{
				StatusCode:    http.StatusOK,
				ProtoMajor:    1,
				ProtoMinor:    1,
				Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}},
				Body:          io.NopCloser(strings.NewReader(body)),
				ContentLength: int64(len(body)),
			}
		}
	}
	return &http.Response{
		StatusCode:    http.StatusForbidden,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
	}
}

// injectStyle inserts a <style> block hiding the given selectors into
// an HTML document, just before </head> when one exists and prepended
// otherwise.
func injectStyle(html []byte, selectors []string) []byte {
	var sb strings.Builder
	sb.WriteString("<style>")
	for _, sel := range selectors {
		sb.WriteString(sel)
		sb.WriteString("{display:none !important;}")
	}
	sb.WriteString("</style>")
	style := []byte(sb.String())

	idx := indexCaseInsensitive(html, []byte("</head>"))
	if idx < 0 {
		return append(style, html...)
	}
	out := make([]byte, 0, len(html)+len(style))
	out = append(out, html[:idx]...)
	out = append(out, style...)
	out = append(out, html[idx:]...)
	return out
}

// indexCaseInsensitive finds the first ASCII case-insensitive
// occurrence of needle in haystack.
func indexCaseInsensitive(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	lower := bytes.ToLower(haystack)
	return bytes.Index(lower, bytes.ToLower(needle))
}
