// Platen is a webpage-to-PDF rendering service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package render turns live web pages into PDF bytes using a headless
// Chromium driven over the DevTools protocol. The browser is started
// lazily on the first render and shared across jobs; each job runs in
// its own isolated tab which is closed when the job finishes.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-pdf/fpdf"

	"platen/pkg/models"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	viewportWidth  = 1920
	viewportHeight = 1080

	// Network-idle is best effort: wait for a quiet period on the wire,
	// give up after the cap and render whatever loaded.
	networkIdleQuiet = 500 * time.Millisecond
	networkIdleCap   = 5 * time.Second
	settleDelay      = 2 * time.Second

	startupProbeTimeout = 30 * time.Second

	// A4 paper in inches for CDP PrintToPDF.
	a4WidthInches  = 8.27
	a4HeightInches = 11.69
	// 0.5 cm margins on all sides.
	marginInches = 0.5 / 2.54
)

// Error is a render failure that carries a job error code. The engine
// returns it for failures classified during the render (HTTP 4xx pages,
// anti-bot challenges); unclassified failures are plain errors.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// ChromeEngine renders pages with a shared headless Chromium instance.
// The zero value is not usable; construct with NewChromeEngine. Safe for
// use from a single worker goroutine; Close may be called concurrently.
type ChromeEngine struct {
	logger *log.Logger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	closed          bool
}

// NewChromeEngine creates a render engine. The browser process is not
// launched until the first Render call. logger may be nil to disable
// logging.
func NewChromeEngine(logger *log.Logger) *ChromeEngine {
	return &ChromeEngine{logger: logger}
}

func (e *ChromeEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf("[render] "+format, args...)
}

// browser returns the shared browser context, launching Chromium on
// first use. The launch is verified with an about:blank probe so a
// missing or broken Chrome surfaces here rather than mid-job.
func (e *ChromeEngine) browser() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("render engine is closed")
	}
	if e.browserCtx != nil {
		return e.browserCtx, nil
	}

	e.logf("Starting headless browser")

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.UserAgent(defaultUserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	probeCtx, probeCancel := context.WithTimeout(browserCtx, startupProbeTimeout)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	e.browserCtx = browserCtx
	e.browserCancel = browserCancel
	e.allocatorCancel = allocatorCancel
	e.logf("Headless browser ready")
	return browserCtx, nil
}

// Render loads url in a fresh tab and returns the produced PDF bytes.
// Navigation is bounded by navTimeout; the whole call is bounded by ctx,
// whose cancellation tears down the tab. Pages answering with a 4xx
// status or showing an anti-bot challenge fail with a classified *Error.
func (e *ChromeEngine) Render(ctx context.Context, url string, mode models.RenderMode, navTimeout time.Duration) ([]byte, error) {
	browserCtx, err := e.browser()
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	// Tie the tab to the caller's context so the job timeout aborts a
	// hung render.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			tabCancel()
		case <-done:
		}
	}()

	tracker := newPageTracker()
	chromedp.ListenTarget(tabCtx, tracker.handle)

	e.logf("Navigating to %s", url)
	navCtx, navCancel := context.WithTimeout(tabCtx, navTimeout)
	defer navCancel()

	err = chromedp.Run(navCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errText, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return errors.New("page load error " + errText)
			}
			return nil
		}),
	)
	if err == nil {
		// page.Navigate returns once the navigation is committed; wait
		// for DOMContentLoaded before inspecting the page.
		select {
		case <-tracker.domContentFired:
		case <-navCtx.Done():
			err = navCtx.Err()
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("navigation timeout after %s", navTimeout)
		}
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}

	if status, ok := tracker.mainStatus(); ok && status >= 400 && status < 500 {
		return nil, &Error{
			Code:    models.ErrCodeHTTP4xx,
			Message: fmt.Sprintf("Page returned HTTP %d", status),
		}
	}

	tracker.waitIdle(tabCtx, networkIdleQuiet, networkIdleCap)

	if err := chromedp.Run(tabCtx, chromedp.Sleep(settleDelay)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("settle wait: %w", err)
	}

	var title, bodyText string
	err = chromedp.Run(tabCtx,
		chromedp.Title(&title),
		chromedp.Evaluate(`document.body ? document.body.innerText.slice(0, 65536) : ""`, &bodyText),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The scan is advisory; render the page anyway.
		e.logf("Anti-bot scan failed: %v", err)
	} else if marker, found := detectAntiBot(title, bodyText); found {
		return nil, &Error{
			Code:    models.ErrCodeCaptchaDetected,
			Message: fmt.Sprintf("Anti-bot challenge detected (%s)", marker),
		}
	}

	var pdf []byte
	switch mode {
	case models.RenderModePrintToPDF:
		err = chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPaperWidth(a4WidthInches).
				WithPaperHeight(a4HeightInches).
				WithPrintBackground(true).
				WithDisplayHeaderFooter(false).
				WithMarginTop(marginInches).
				WithMarginBottom(marginInches).
				WithMarginLeft(marginInches).
				WithMarginRight(marginInches).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}))
	case models.RenderModeScreenshotToPDF:
		var shot []byte
		err = chromedp.Run(tabCtx, chromedp.FullScreenshot(&shot, 100))
		if err == nil {
			pdf, err = screenshotPDF(shot)
		}
	default:
		return nil, fmt.Errorf("unknown render mode: %s", mode)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("render %s: %w", mode, err)
	}
	return pdf, nil
}

// Close shuts down the browser and releases the allocator. Safe to call
// multiple times; the engine cannot be reused afterwards.
func (e *ChromeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}
	e.browserCtx = nil
	e.logf("Headless browser closed")
}

// antiBotMarkers are matched case-insensitively against the page title
// and visible body text after the page settles.
var antiBotMarkers = []string{
	"just a moment",
	"checking your browser",
	"attention required! | cloudflare",
	"verify you are human",
	"recaptcha",
	"hcaptcha",
	"turnstile",
}

// detectAntiBot reports the first challenge marker found in the page
// title or body text.
func detectAntiBot(title, body string) (string, bool) {
	haystack := strings.ToLower(title) + "\n" + strings.ToLower(body)
	for _, marker := range antiBotMarkers {
		if strings.Contains(haystack, marker) {
			return marker, true
		}
	}
	return "", false
}

// screenshotPDF lays a full-page PNG screenshot onto A4 pages, slicing
// the image across as many pages as its height requires. Tall captures
// cannot use a single page sized to the image because PDF caps page
// dimensions well below what a long article produces.
func screenshotPDF(shot []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("empty screenshot (%dx%d)", cfg.Width, cfg.Height)
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetAutoPageBreak(false, 0)
	pageW, pageH := doc.GetPageSize()

	opts := fpdf.ImageOptions{ImageType: "PNG", AllowNegativePosition: true}
	doc.RegisterImageOptionsReader("screenshot", opts, bytes.NewReader(shot))

	// Scale to the page width; each page shows the next window of the
	// image by shifting it up one page height.
	imageH := float64(cfg.Height) * pageW / float64(cfg.Width)
	pages := int(math.Ceil(imageH / pageH))
	if pages < 1 {
		pages = 1
	}
	for i := 0; i < pages; i++ {
		doc.AddPage()
		doc.ImageOptions("screenshot", 0, -float64(i)*pageH, pageW, imageH, false, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("assemble pdf: %w", err)
	}
	return buf.Bytes(), nil
}
