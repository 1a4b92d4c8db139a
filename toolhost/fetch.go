package toolhost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
)

// maxFetchBytes caps how much of a response body is read.
const maxFetchBytes = 5 << 20

func (h *Host) fetchURL(ctx context.Context, args fetchURLArgs) (string, error) {
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return "", fmt.Errorf("fetch_url: only http and https URLs are supported")
	}
	key := args.URL
	if args.Raw {
		key = "raw:" + key
	}
	if cached, ok := h.fetchCache.Get(key); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch_url: %w", err)
	}
	req.Header.Set("User-Agent", "warden/1 (+fetch_url)")

	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch_url: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("fetch_url: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch_url: %s returned %s", args.URL, resp.Status)
	}

	content := string(body)
	if !args.Raw && isHTML(resp.Header.Get("Content-Type"), body) {
		content, err = htmlToText(content)
		if err != nil {
			return "", fmt.Errorf("fetch_url: parse html: %w", err)
		}
	}
	h.fetchCache.Add(key, content)
	return content, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	if contentType != "" {
		return false
	}
	return mimetype.Detect(body).Is("text/html")
}

// htmlToText keeps the title, headings, paragraphs and list items of a
// page as markdown-ish text.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var sb strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		sb.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "li":
			sb.WriteString("- " + text + "\n")
		case "pre":
			sb.WriteString("```\n" + text + "\n```\n\n")
		case "p":
			sb.WriteString(text + "\n\n")
		default:
			level := int(tag[1] - '0')
			sb.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		}
	})
	return strings.TrimSpace(sb.String()), nil
}
