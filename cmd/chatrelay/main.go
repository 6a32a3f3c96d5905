package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
	"github.com/roelfdiedericks/chatrelay/internal/config"
	httpserver "github.com/roelfdiedericks/chatrelay/internal/http"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	"github.com/roelfdiedericks/chatrelay/internal/pool"
	"github.com/roelfdiedericks/chatrelay/internal/queue"
)

const version = "0.1.0"

type cliContext struct {
	cfg *config.Config
}

var cli struct {
	Config string `short:"c" default:"chatrelay.toml" help:"Path to config file."`
	Debug  bool   `help:"Enable debug logging."`

	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the API server (default)."`
	Login   loginCmd   `cmd:"" help:"Open a headed browser to log in to the chat service."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("chatrelay"),
		kong.Description("OpenAI-compatible API backed by an automated web chat session."),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05"})

	cfg, err := config.Load(cli.Config)
	if err != nil {
		L_fatal("failed to load config", "path", cli.Config, "error", err)
	}
	if !cli.Debug {
		SetLevel(logLevel(cfg.LogLevel))
	}

	if err := ctx.Run(&cliContext{cfg: cfg}); err != nil {
		L_fatal("command failed", "error", err)
	}
}

type serveCmd struct{}

func (s *serveCmd) Run(g *cliContext) error {
	cfg := g.cfg
	L_info("chatrelay starting", "version", version, "listen", cfg.Server.Listen, "target", cfg.Browser.URL)

	launcher := browser.NewLauncher(cfg.Browser)
	defer launcher.Close()

	sessions := pool.New(cfg.Pool.Size, cfg.Pool.SweepSchedule, sessionFactory(launcher, cfg))
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session pool: %w", err)
	}
	defer sessions.Close()

	admission := queue.New(cfg.Queue.Capacity, cfg.Queue.MaxWait.D(), cfg.Queue.PollInterval.D())

	server := httpserver.NewServer(cfg, admission, sessions)
	server.Start()

	L_info("chatrelay ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	L_info("chatrelay shutting down")
	if err := server.Stop(); err != nil {
		L_warn("http server stop failed", "error", err)
	}
	return nil
}

// sessionFactory creates pool sessions: a fresh tab navigated to the chat
// page. A page that never shows the readiness marker is pooled anyway,
// it usually just needs a login.
func sessionFactory(l *browser.Launcher, cfg *config.Config) pool.Factory {
	return func() (browser.PageDriver, error) {
		page, err := l.NewPage()
		if err != nil {
			return nil, err
		}
		if err := page.Navigate(cfg.Browser.URL); err != nil {
			page.Close()
			return nil, err
		}
		if err := waitReady(page, cfg.Page.ReadySelector, cfg.Relay.ReadyTimeout.D()); err != nil {
			L_warn("session page not ready, pooling anyway", "error", err)
		}
		return page, nil
	}
}

func waitReady(page browser.PageDriver, selector string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		els, err := page.FindAll(selector)
		if err == nil && len(els) > 0 {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("readiness marker %q not found within %s", selector, timeout)
}

type loginCmd struct {
	Timeout time.Duration `default:"5m" help:"How long to wait for the login to complete."`
}

func (l *loginCmd) Run(g *cliContext) error {
	return browser.RunLogin(g.cfg.Browser, g.cfg.Page.ReadySelector, l.Timeout)
}

func logLevel(name string) int {
	switch name {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type versionCmd struct{}

func (v *versionCmd) Run(g *cliContext) error {
	fmt.Printf("chatrelay %s\n", version)
	return nil
}
