package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/roelfdiedericks/chatrelay/internal/config"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
)

// cleanupStaleLocks removes Chrome lock files left behind by crashed runs.
// Chrome refuses to start if SingletonLock or other lock files exist.
func cleanupStaleLocks(profileDir string) {
	lockFiles := []string{
		"SingletonLock",
		"SingletonCookie",
		"SingletonSocket",
	}

	for _, lockFile := range lockFiles {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Stat(lockPath); err == nil {
			if err := os.Remove(lockPath); err != nil {
				L_warn("browser: failed to remove stale lock file", "file", lockPath, "error", err)
			} else {
				L_info("browser: removed stale lock file", "file", lockPath)
			}
		}
	}
}

// Launcher owns the single browser process. Sessions are tabs on it.
type Launcher struct {
	cfg config.BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
}

// NewLauncher creates a launcher; the browser process starts lazily on the
// first Attach call.
func NewLauncher(cfg config.BrowserConfig) *Launcher {
	return &Launcher{cfg: cfg}
}

// Attach returns the running browser, launching it if needed.
// A dead browser is detected and relaunched.
func (l *Launcher) Attach() (*rod.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser != nil {
		if browserAlive(l.browser) {
			return l.browser, nil
		}
		L_warn("browser: process died, relaunching")
		l.browser = nil
	}

	browser, err := l.launch(l.cfg.Headless)
	if err != nil {
		return nil, err
	}
	l.browser = browser
	return browser, nil
}

func (l *Launcher) launch(headless bool) (*rod.Browser, error) {
	profileDir, err := filepath.Abs(l.cfg.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile dir: %w", err)
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}
	cleanupStaleLocks(profileDir)

	L_debug("browser: launching", "profileDir", profileDir, "headless", headless)

	la := launcher.New().
		UserDataDir(profileDir).
		Headless(headless).
		Set("disable-dev-shm-usage") // For Docker/limited memory

	if !headless {
		la = la.Set("window-size", "1920,1080").
			Set("start-maximized")
	}

	if l.cfg.Stealth {
		la = la.Set("disable-blink-features", "AutomationControlled")
	}

	if l.cfg.NoSandbox {
		la = la.Set("no-sandbox")
	}

	controlURL, err := la.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	L_info("browser: launched", "controlURL", controlURL)
	return browser, nil
}

// NewPage opens a fresh tab and returns it as a PageDriver
func (l *Launcher) NewPage() (PageDriver, error) {
	browser, err := l.Attach()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if l.cfg.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return &Page{page: page, navTimeout: l.cfg.NavTimeout.D()}, nil
}

// Close shuts down the browser process and every tab on it
func (l *Launcher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser == nil {
		return
	}
	if err := l.browser.Close(); err != nil {
		L_warn("browser: close failed", "error", err)
	}
	l.browser = nil
	L_info("browser: closed")
}

// browserAlive probes the browser over CDP.
// Wrapped in recover: the CDP client panics if the transport is gone.
func browserAlive(browser *rod.Browser) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			L_debug("browser: liveness probe panicked, browser is dead", "panic", r)
			ok = false
		}
	}()
	_, err := browser.Call(nil, "", "Browser.getVersion", nil)
	return err == nil
}

// Page drives one tab via rod
type Page struct {
	page       *rod.Page
	navTimeout time.Duration
}

// Navigate loads url and waits for the load event
func (p *Page) Navigate(url string) error {
	page := p.page.Timeout(p.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		// Slow pages are common here; element polling picks up from this point
		L_warn("browser: load wait timed out", "url", url, "error", err)
	}
	return nil
}

// FindAll returns the current matches for selector without waiting
func (p *Page) FindAll(selector string) ([]Element, error) {
	var els rod.Elements
	var err error
	if strings.HasPrefix(selector, "//") {
		els, err = p.page.ElementsX(selector)
	} else {
		els, err = p.page.Elements(selector)
	}
	if err != nil {
		return nil, fmt.Errorf("element lookup %q failed: %w", selector, err)
	}

	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &pageElement{el: el})
	}
	return out, nil
}

// Alive reports whether the tab still answers a trivial eval
func (p *Page) Alive() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	_, err := p.page.Timeout(5 * time.Second).Eval(`() => 1`)
	return err == nil
}

// Close closes the tab. The browser process stays up for other sessions.
func (p *Page) Close() error {
	return p.page.Close()
}

type pageElement struct {
	el *rod.Element
}

func (e *pageElement) Text() (string, error) {
	return e.el.Text()
}

func (e *pageElement) Click() error {
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *pageElement) SetValueAndNotify(value string) error {
	_, err := e.el.Eval(`(value) => {
		this.value = value
		this.dispatchEvent(new Event('input', { bubbles: true }))
	}`, value)
	return err
}

func (e *pageElement) Remove() error {
	_, err := e.el.Eval(`() => this.remove()`)
	return err
}
