package unsubscribe

import (
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	viewportWidth  = 1280
	viewportHeight = 800
	desktopUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Page is the browser-control surface the agent drives. Implemented by
// playwright; faked in tests.
type Page interface {
	Goto(url string, timeout time.Duration) error
	Screenshot() ([]byte, error)
	Content() (string, error)
	VisibleText() (string, error)
	Click(selector string, timeout time.Duration) error
	Fill(selector, value string, timeout time.Duration) error
	SelectOption(selector, value string, timeout time.Duration) error
	WaitForNavigation(timeout time.Duration) error
	Close() error
}

// Browser hands out pages. A single browser process is not safe for
// concurrent unsubscribe runs; bulk mode serializes on one instance.
type Browser interface {
	NewPage() (Page, error)
	Close() error
}

// Handle is the explicitly owned headless-browser resource. The
// underlying Chromium process starts lazily on first page and is shut
// down once via Close; callers acquire the handle at startup and release
// it on shutdown, and bulk mode holds it for a whole batch.
type Handle struct {
	mu      sync.Mutex
	started bool
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
}

func NewHandle() *Handle {
	return &Handle{}
}

func (h *Handle) init() error {
	if h.started {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("could not start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("could not launch browser: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  viewportWidth,
			Height: viewportHeight,
		},
		UserAgent: playwright.String(desktopUA),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("could not create context: %w", err)
	}

	h.pw = pw
	h.browser = browser
	h.context = context
	h.started = true
	return nil
}

// NewPage opens a fresh page, starting the browser on first use.
func (h *Handle) NewPage() (Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.init(); err != nil {
		return nil, err
	}

	page, err := h.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	return &playwrightPage{page: page}, nil
}

// Close tears down the browser process. Safe to call without a prior
// page, and after Close the handle is spent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.started = false

	if h.context != nil {
		h.context.Close()
	}
	if h.browser != nil {
		h.browser.Close()
	}
	if h.pw != nil {
		return h.pw.Stop()
	}
	return nil
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (p *playwrightPage) Screenshot() ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
}

func (p *playwrightPage) Content() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) VisibleText() (string, error) {
	return p.page.InnerText("body")
}

func (p *playwrightPage) Click(selector string, timeout time.Duration) error {
	return p.page.Click(selector, playwright.PageClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) Fill(selector, value string, timeout time.Duration) error {
	return p.page.Fill(selector, value, playwright.PageFillOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) SelectOption(selector, value string, timeout time.Duration) error {
	_, err := p.page.SelectOption(selector, playwright.SelectOptionValues{
		Values: playwright.StringSlice(value),
	}, playwright.PageSelectOptionOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (p *playwrightPage) WaitForNavigation(timeout time.Duration) error {
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}
