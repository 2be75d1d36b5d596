// Command netassist is a network-support assistant with a live voice channel
// and a text chat channel.
//
// Usage:
//
//	netassist [-config file] voice [-mode TRIAGE|ANALYST|ARCHITECT]
//	netassist [-config file] chat  [-mode TRIAGE|ANALYST|ARCHITECT]
//	netassist devices
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/netassist/internal/app"
	"github.com/MrWong99/netassist/internal/chat"
	"github.com/MrWong99/netassist/internal/config"
	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	"github.com/MrWong99/netassist/internal/resilience"
	"github.com/MrWong99/netassist/internal/voice"
	"github.com/MrWong99/netassist/pkg/audio/portaudio"
	chatprov "github.com/MrWong99/netassist/pkg/provider/chat"
	chatanyllm "github.com/MrWong99/netassist/pkg/provider/chat/anyllm"
	chatgemini "github.com/MrWong99/netassist/pkg/provider/chat/gemini"
	chatmock "github.com/MrWong99/netassist/pkg/provider/chat/mock"
	chatopenai "github.com/MrWong99/netassist/pkg/provider/chat/openai"
	"github.com/MrWong99/netassist/pkg/provider/live"
	livegemini "github.com/MrWong99/netassist/pkg/provider/live/gemini"
	livemock "github.com/MrWong99/netassist/pkg/provider/live/mock"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		return 2
	}
	sub, args := flag.Arg(0), flag.Args()[1:]

	if sub == "devices" {
		return listDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "netassist: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "netassist: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(os.Stderr, level))

	slog.Info("netassist starting",
		"version", version,
		"command", sub,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	env := &runEnv{
		cfg:        cfg,
		configPath: *configPath,
		reg:        reg,
		tel:        tel,
		level:      level,
	}

	switch sub {
	case "voice":
		return env.voice(ctx, args)
	case "chat":
		return env.chat(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "netassist: unknown command %q\n\n", sub)
		usage()
		return 2
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: netassist [-config file] <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  voice    start a live voice session on the default audio devices")
	fmt.Fprintln(out, "  chat     start a text chat session on stdin")
	fmt.Fprintln(out, "  devices  list audio devices")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// runEnv carries what both subcommands share.
type runEnv struct {
	cfg        *config.Config
	configPath string
	reg        *config.Registry
	tel        *observe.Telemetry
	level      *slog.LevelVar
}

// newApp builds the application and, when a config file is in use, starts
// the hot-reload watcher.
func (e *runEnv) newApp(providers *app.Providers, closers ...func() error) (*app.App, error) {
	opts := []app.Option{
		app.WithMetrics(e.tel.Metrics),
		app.WithLevelVar(e.level),
		app.WithMetricsHandler(e.tel.Handler()),
	}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}

	var (
		application atomic.Pointer[app.App]
		watcher     *config.Watcher
		stopHUP     func()
	)
	if e.configPath != "" {
		w, err := config.NewWatcher(e.configPath, func(old, next *config.Config) {
			if a := application.Load(); a != nil {
				a.ApplyConfig(old, next)
			}
		})
		if err != nil {
			return nil, err
		}
		watcher = w
		stopHUP = reloadOnHangup(w)
		opts = append(opts, app.WithCloser(func() error {
			stopHUP()
			w.Stop()
			return nil
		}))
	}
	opts = append(opts, app.WithCloser(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.tel.Shutdown(ctx)
	}))

	a, err := app.New(e.cfg, providers, opts...)
	if err != nil {
		if watcher != nil {
			stopHUP()
			watcher.Stop()
		}
		return nil, err
	}
	application.Store(a)
	return a, nil
}

// reloadOnHangup re-reads the config file on SIGHUP until the returned stop
// function is called.
func reloadOnHangup(w *config.Watcher) (stop func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				switch err := w.Reload(); {
				case err == nil:
				case errors.Is(err, config.ErrUnchanged):
					slog.Info("config unchanged")
				default:
					slog.Warn("config reload rejected", "err", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(hup)
			close(done)
		})
	}
}

func (e *runEnv) shutdown(a *app.App) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── voice ─────────────────────────────────────────────────────────────────────

func (e *runEnv) voice(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("voice", flag.ContinueOnError)
	modeName := fs.String("mode", e.cfg.Session.DefaultMode, "agent mode: TRIAGE, ANALYST or ARCHITECT")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	m, err := mode.Parse(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netassist: %v\n", err)
		return 2
	}

	lp, err := e.reg.CreateLive(e.cfg.Providers.Live)
	if err != nil {
		slog.Error("failed to create live provider", "name", e.cfg.Providers.Live.Name, "err", err)
		return 1
	}
	host, err := portaudio.Open()
	if err != nil {
		slog.Error("failed to open audio host", "err", err)
		return 1
	}

	application, err := e.newApp(&app.Providers{Live: lp, Input: host, Output: host}, host.Close)
	if err != nil {
		_ = host.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	profile, _ := application.Profile(m)
	printStartupSummary(os.Stdout, e.cfg, profile)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return application.Run(gctx) })

	err = application.ConnectVoice(gctx, m,
		func(text string, sp live.Speaker) {
			fmt.Printf("%s: %s\n", speakerLabel(sp, profile), text)
		},
		func(info voice.CloseInfo) {
			switch info.Reason {
			case voice.ReasonError:
				fmt.Fprintf(os.Stderr, "session ended: %v\n", info.Err)
			case voice.ReasonRemote:
				fmt.Fprintln(os.Stderr, "session closed by the server")
			}
			cancel()
		},
	)
	if err != nil {
		slog.Error("failed to start voice session", "mode", m, "err", err)
		fmt.Fprintln(os.Stderr, chat.ConnectionErrorMessage)
		cancel()
		_ = g.Wait()
		e.shutdown(application)
		return 1
	}
	fmt.Println("Listening. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
	}
	return e.shutdown(application)
}

func speakerLabel(sp live.Speaker, p mode.Profile) string {
	if sp == live.SpeakerUser {
		return "You"
	}
	return p.Name
}

// ── chat ──────────────────────────────────────────────────────────────────────

// newChatProvider creates the configured chat provider. With fallbacks
// configured it is wrapped in a circuit-breaking failover.
func newChatProvider(reg *config.Registry, cfg *config.Config) (chatprov.Provider, error) {
	primary, err := reg.CreateChat(cfg.Providers.Chat)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers.ChatFallbacks) == 0 {
		return primary, nil
	}
	f := resilience.NewChatFailover(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Chat.MaxFailures,
			ResetTimeout: cfg.Chat.FailoverReset,
		},
	})
	for i, entry := range cfg.Providers.ChatFallbacks {
		p, err := reg.CreateChat(entry)
		if err != nil {
			return nil, fmt.Errorf("chat_fallbacks[%d]: %w", i, err)
		}
		f.AddFallback(p)
	}
	return f, nil
}

func (e *runEnv) chat(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	modeName := fs.String("mode", e.cfg.Session.DefaultMode, "agent mode: TRIAGE, ANALYST or ARCHITECT")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cp, err := newChatProvider(e.reg, e.cfg)
	if err != nil {
		slog.Error("failed to create chat provider", "err", err)
		return 1
	}
	application, err := e.newApp(&app.Providers{Chat: cp})
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	profile, err := application.SetChatMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netassist: %v\n", err)
		e.shutdown(application)
		return 2
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	printStartupSummary(os.Stdout, e.cfg, profile)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return application.Run(gctx) })

	// The REPL blocks on stdin, which a context cannot interrupt, so it runs
	// outside the group and cancels the group when input ends.
	go func() {
		defer cancel()
		repl(gctx, application, os.Stdin, os.Stdout)
	}()

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
	}
	return e.shutdown(application)
}

// chatter is the part of the application the REPL drives.
type chatter interface {
	ChatMode() mode.Mode
	SetChatMode(string) (mode.Profile, error)
	Chat(context.Context, string) (string, error)
	ResetChat()
}

// repl reads lines from in until EOF, "/quit" or ctx ends.
func repl(ctx context.Context, c chatter, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "[%s] > ", c.ChatMode())
		if !sc.Scan() {
			fmt.Fprintln(out)
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		cmd, arg, isCmd := parseCommand(line)
		if !isCmd {
			reply, err := c.Chat(ctx, line)
			if err != nil {
				slog.Warn("chat failed", "err", err)
				fmt.Fprintln(out, chat.ConnectionErrorMessage)
				continue
			}
			fmt.Fprintln(out, reply)
			continue
		}

		switch cmd {
		case "quit", "exit":
			return
		case "reset":
			c.ResetChat()
			fmt.Fprintf(out, "Conversation in %s cleared.\n", c.ChatMode())
		case "mode":
			if arg == "" {
				fmt.Fprintf(out, "Current mode: %s\n", c.ChatMode())
				continue
			}
			p, err := c.SetChatMode(arg)
			if err != nil {
				fmt.Fprintf(out, "%v\n", err)
				continue
			}
			fmt.Fprintf(out, "Switched to %s: %s, %s\n", p.Mode, p.Name, p.Role)
		case "help":
			fmt.Fprintln(out, "/mode [TRIAGE|ANALYST|ARCHITECT]  show or switch the agent mode")
			fmt.Fprintln(out, "/reset                            clear this mode's conversation")
			fmt.Fprintln(out, "/quit                             leave")
		default:
			fmt.Fprintf(out, "Unknown command /%s, try /help\n", cmd)
		}
	}
}

// parseCommand splits "/mode analyst" into ("mode", "analyst", true).
func parseCommand(line string) (cmd, arg string, ok bool) {
	rest, ok := strings.CutPrefix(line, "/")
	if !ok {
		return "", "", false
	}
	cmd, arg, _ = strings.Cut(rest, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

// ── devices ───────────────────────────────────────────────────────────────────

func listDevices() int {
	host, err := portaudio.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netassist: %v\n", err)
		return 1
	}
	defer host.Close()

	devs, err := host.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netassist: %v\n", err)
		return 1
	}
	for _, d := range devs {
		fmt.Printf("%-40s %-12s in=%d out=%d %.0f Hz\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini live: api_key is required")
		}
		var opts []livegemini.Option
		if entry.Model != "" {
			opts = append(opts, livegemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, livegemini.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "send_queue"); n > 0 {
			opts = append(opts, livegemini.WithSendQueue(n))
		}
		return livegemini.New(entry.APIKey, opts...), nil
	})

	// mock answers the handshake and stays silent; useful to check devices.
	reg.RegisterLive("mock", func(config.ProviderEntry) (live.Provider, error) {
		return &livemock.Provider{}, nil
	})

	// ── Chat ──────────────────────────────────────────────────────────────────

	reg.RegisterChat("gemini", func(entry config.ProviderEntry) (chatprov.Provider, error) {
		var opts []chatgemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, chatgemini.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "api_version"); v != "" {
			opts = append(opts, chatgemini.WithAPIVersion(v))
		}
		return chatgemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterChat("openai", func(entry config.ProviderEntry) (chatprov.Provider, error) {
		var opts []chatopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, chatopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, chatopenai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, chatopenai.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, chatopenai.WithMaxRetries(n))
		}
		return chatopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other vendor goes through any-llm-go. Without api_key each one
	// reads its own environment variable; ollama and llama.cpp take base_url.
	for _, vendor := range chatanyllm.Vendors {
		reg.RegisterChat(vendor, func(entry config.ProviderEntry) (chatprov.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return chatanyllm.New(vendor, entry.Model, opts...)
		})
	}

	reg.RegisterChat("mock", func(config.ProviderEntry) (chatprov.Provider, error) {
		return &chatmock.Provider{Reply: func(in string) string { return "You said: " + in }}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, p mode.Profile) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║         netassist startup summary         ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════╣")
	printRow(w, "Live", providerLabel(cfg.Providers.Live))
	printRow(w, "Chat", providerLabel(cfg.Providers.Chat))
	for i, fb := range cfg.Providers.ChatFallbacks {
		printRow(w, fmt.Sprintf("Fallback %d", i+1), providerLabel(fb))
	}
	printRow(w, "Mode", string(p.Mode))
	printRow(w, "Persona", p.Name+", "+p.Role)
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 25 {
		value = string(r[:24]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s : %-25s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
