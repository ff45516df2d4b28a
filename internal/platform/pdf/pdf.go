// Package pdf turns HTML documents into PDFs with headless Chrome.
package pdf

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, html string) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, html string) ([]byte, error) {
	return f(ctx, html)
}

const (
	cssPixelsPerInch = 96.0
	pageWidthInches  = 8.5
	// Chrome rejects page heights above 200 inches.
	maxPageHeightInches = 200.0
	minPageHeightInches = 1.0
)

// ChromeRenderer prints a single page whose height matches the rendered
// content, so signatures never split across pages.
type ChromeRenderer struct {
	chromePath string
	timeout    time.Duration
}

func NewChromeRenderer(chromePath string, timeout time.Duration) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRenderer{chromePath: chromePath, timeout: timeout}
}

func (r *ChromeRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, r.timeout)
	defer cancelTimeout()

	var heightPx float64
	var out []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`Math.max(document.body.scrollHeight, document.documentElement.scrollHeight)`, &heightPx),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(pageWidthInches).
				WithPaperHeight(PageHeightInches(heightPx)).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPageRanges("1").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			out = data
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome render: %w", err)
	}
	return out, nil
}

// PageHeightInches converts a CSS pixel height to a page height, rounded up
// to the next hundredth of an inch and clamped to what Chrome accepts.
func PageHeightInches(heightPx float64) float64 {
	h := math.Ceil(heightPx/cssPixelsPerInch*100) / 100
	if h < minPageHeightInches {
		return minPageHeightInches
	}
	if h > maxPageHeightInches {
		return maxPageHeightInches
	}
	return h
}

// WriteFile stores data under dir, creating it if needed, and returns the
// full path.
func WriteFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create pdf dir: %w", err)
	}
	p := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return p, nil
}
