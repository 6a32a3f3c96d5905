package browser

import (
	"fmt"
	"time"

	"github.com/roelfdiedericks/chatrelay/internal/config"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
)

// RunLogin opens a headed browser on the shared profile so a human can log
// in to the chat service. It waits until the page reaches the readiness
// marker (or the timeout passes), then leaves the cookies in the profile
// for subsequent headless runs.
func RunLogin(cfg config.BrowserConfig, readySelector string, wait time.Duration) error {
	headed := cfg
	headed.Headless = false

	l := NewLauncher(headed)
	defer l.Close()

	page, err := l.NewPage()
	if err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	if err := page.Navigate(cfg.URL); err != nil {
		return err
	}

	L_info("login: browser open, complete the login in the window", "url", cfg.URL, "timeout", wait)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		els, err := page.FindAll(readySelector)
		if err == nil && len(els) > 0 {
			L_info("login: page ready, credentials saved to profile", "profileDir", cfg.ProfileDir)
			return nil
		}
		time.Sleep(time.Second)
	}

	return fmt.Errorf("login timed out after %s without reaching %q", wait, readySelector)
}
