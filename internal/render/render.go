package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer turns report text into PNG images by screenshotting a
// rendered HTML page in headless Chrome. Callers should fall back to
// plain text when rendering fails (no Chrome on the host, timeout).
type Renderer struct {
	width   int
	timeout time.Duration
	logger  *slog.Logger
}

type Config struct {
	Width   int // page width in CSS pixels, defaults to 800
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Renderer{
		width:   cfg.Width,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { background: #ffffff; margin: 0; padding: 36px;
         font-family: "PingFang SC", "Microsoft YaHei", "Noto Sans CJK SC", sans-serif; }
  h1   { font-size: 28px; text-align: center; margin: 0 0 24px; }
  pre  { font-size: 18px; line-height: 1.6; white-space: pre-wrap;
         word-break: break-all; margin: 0; }
</style>
</head>
<body>
{{if .Title}}<h1>{{.Title}}</h1>{{end}}
<pre>{{.Body}}</pre>
</body>
</html>`))

type reportData struct {
	Title string
	Body  string
}

func buildHTML(title, body string) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, reportData{Title: title, Body: body}); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// TextToPNG renders the text (with an optional title line) onto a
// white page and returns the full-page screenshot.
func (r *Renderer) TextToPNG(ctx context.Context, title, body string) ([]byte, error) {
	html, err := buildHTML(title, body)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := r.newContext(ctx)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, r.timeout)
	defer timeoutCancel()

	var png []byte
	err = chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(r.width), 600),
		chromedp.Navigate("data:text/html;charset=utf-8,"+url.PathEscape(html)),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&png, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return png, nil
}

// newContext spawns a fresh headless Chrome for one render. The caller
// MUST call cancel() when done.
func (r *Renderer) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}
