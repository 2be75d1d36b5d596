package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/netassist/internal/app"
	"github.com/MrWong99/netassist/internal/config"
	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	"github.com/MrWong99/netassist/internal/resilience"
	"github.com/MrWong99/netassist/internal/voice"
	audiomock "github.com/MrWong99/netassist/pkg/audio/mock"
	chatmock "github.com/MrWong99/netassist/pkg/provider/chat/mock"
	"github.com/MrWong99/netassist/pkg/provider/live"
	livemock "github.com/MrWong99/netassist/pkg/provider/live/mock"
)

// testConfig returns a defaulted config using mock providers.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Live: config.ProviderEntry{Name: "mock"},
			Chat: config.ProviderEntry{Name: "mock"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testProviders returns mock providers for both channels.
func testProviders(sess *livemock.Session) (*app.Providers, *livemock.Provider, *chatmock.Provider) {
	lp := &livemock.Provider{Session: sess}
	cp := &chatmock.Provider{Reply: func(in string) string { return "ack: " + in }}
	return &app.Providers{
		Live:   lp,
		Chat:   cp,
		Input:  &audiomock.InputDevice{},
		Output: &audiomock.OutputDevice{},
	}, lp, cp
}

func newApp(t *testing.T, cfg *config.Config, ps *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(a.DisconnectVoice)
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func readyChecks(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body.Checks
}

func TestNew_RequiresAChannel(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), &app.Providers{Live: &livemock.Provider{}}); err == nil {
		t.Error("expected error when no channel is complete")
	}
	if _, err := app.New(nil, &app.Providers{}); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := testConfig()
	cfg.Session.DefaultMode = "boss"
	if _, err := app.New(cfg, &app.Providers{Chat: &chatmock.Provider{}}); !errors.Is(err, mode.ErrUnknown) {
		t.Errorf("default mode error = %v, want ErrUnknown", err)
	}
}

func TestApp_ChatOnly(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &app.Providers{Chat: &chatmock.Provider{}})

	if err := a.ConnectVoice(context.Background(), mode.Triage, nil, nil); err == nil {
		t.Error("ConnectVoice should fail without a voice channel")
	}
	if a.VoiceState() != voice.StateDisconnected {
		t.Errorf("voice state = %v", a.VoiceState())
	}

	rec := get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", rec.Code)
	}
	checks := readyChecks(t, rec)
	if checks["voice"] != "fail: not configured" || checks["chat"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestApp_ChatFailover(t *testing.T) {
	t.Parallel()

	primary := &chatmock.Provider{SendErr: errors.New("503")}
	secondary := &chatmock.Provider{SendErr: errors.New("429")}
	f := resilience.NewChatFailover(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	f.AddFallback(secondary)
	a := newApp(t, testConfig(), &app.Providers{Chat: f})

	if _, err := a.Chat(context.Background(), "traceroute 10.0.0.1"); !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("Chat() err = %v, want ErrAllFailed", err)
	}

	checks := readyChecks(t, get(t, a.Handler(), "/readyz"))
	if checks["chat"] != "fail: every chat backend has an open circuit" {
		t.Errorf("chat check = %q", checks["chat"])
	}

	snap := a.Status(context.Background()).(app.Snapshot)
	if len(snap.ChatBackends) != 2 {
		t.Fatalf("chat backends = %+v", snap.ChatBackends)
	}
	for _, b := range snap.ChatBackends {
		if b.State != resilience.StateOpen {
			t.Errorf("backend %s state = %v, want open", b.Name, b.State)
		}
	}
}

func TestApp_ChatModes(t *testing.T) {
	t.Parallel()

	ps, _, cp := testProviders(nil)
	a := newApp(t, testConfig(), ps)
	ctx := context.Background()

	if a.ChatMode() != mode.Triage {
		t.Fatalf("initial chat mode = %s, want TRIAGE", a.ChatMode())
	}
	reply, err := a.Chat(ctx, "vpn down")
	if err != nil || reply != "ack: vpn down" {
		t.Fatalf("Chat = %q, %v", reply, err)
	}

	p, err := a.SetChatMode("architect")
	if err != nil {
		t.Fatalf("SetChatMode: %v", err)
	}
	if p.Name != "Casey" {
		t.Errorf("persona = %q, want Casey", p.Name)
	}
	if _, err := a.SetChatMode("sales"); !errors.Is(err, mode.ErrUnknown) {
		t.Errorf("SetChatMode(sales) = %v, want ErrUnknown", err)
	}
	if a.ChatMode() != mode.Architect {
		t.Errorf("failed switch changed mode to %s", a.ChatMode())
	}

	_, _ = a.Chat(ctx, "redesign the core")
	a.ResetChat()
	_, _ = a.Chat(ctx, "start over")

	if n := len(cp.Sessions()); n != 3 {
		t.Errorf("sessions = %d, want triage + architect + architect after reset", n)
	}

	snap := a.Status(ctx).(app.Snapshot)
	if snap.ChatMode != mode.Architect {
		t.Errorf("snapshot chat mode = %s", snap.ChatMode)
	}
	if snap.ChatTurns[mode.Triage] != 1 || snap.ChatTurns[mode.Architect] != 1 {
		t.Errorf("chat turns = %v", snap.ChatTurns)
	}
	if len(snap.Modes) != 3 || snap.Modes[0].Name != "Alex" {
		t.Errorf("modes = %+v", snap.Modes)
	}
}

func TestApp_VoiceLifecycle(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()
	ps, lp, _ := testProviders(sess)
	a := newApp(t, testConfig(), ps)
	closed := make(chan voice.CloseInfo, 2)

	err := a.ConnectVoice(context.Background(), mode.Analyst, nil, func(info voice.CloseInfo) { closed <- info })
	if err != nil {
		t.Fatalf("ConnectVoice: %v", err)
	}
	if got := lp.Calls()[0].Cfg.Voice; got != "Puck" {
		t.Errorf("voice = %q, want Puck", got)
	}

	rec := get(t, a.Handler(), "/statusz")
	if rec.Code != http.StatusOK {
		t.Fatalf("statusz status = %d", rec.Code)
	}
	var snap struct {
		Voice struct {
			State   string `json:"state"`
			Mode    string `json:"mode"`
			Persona string `json:"persona"`
		} `json:"voice"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if snap.Voice.State != "connected" || snap.Voice.Mode != "ANALYST" || snap.Voice.Persona != "Jordan" {
		t.Errorf("statusz voice = %+v", snap.Voice)
	}

	sess.Fail(errors.New("websocket: connection reset"))
	select {
	case info := <-closed:
		if info.Reason != voice.ReasonError {
			t.Errorf("close reason = %s, want error", info.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClosed not called")
	}

	rec = get(t, a.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after failure = %d, want 503", rec.Code)
	}
	if c := readyChecks(t, rec)["voice"]; !strings.Contains(c, "connection reset") {
		t.Errorf("voice check = %q", c)
	}

	lp.Session = nil
	if err := a.ConnectVoice(context.Background(), mode.Triage, nil, nil); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz after reconnect = %d, want 200", rec.Code)
	}
	a.DisconnectVoice()
	if a.VoiceState() != voice.StateDisconnected {
		t.Errorf("state after disconnect = %v", a.VoiceState())
	}
}

func TestApp_Transcripts(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()
	ps, _, _ := testProviders(sess)
	a := newApp(t, testConfig(), ps)
	got := make(chan string, 1)

	err := a.ConnectVoice(context.Background(), mode.Triage, func(text string, sp live.Speaker) {
		got <- string(sp) + ":" + text
	}, nil)
	if err != nil {
		t.Fatalf("ConnectVoice: %v", err)
	}
	sess.Emit(live.TranscriptEvent{Text: "is the link light on", Speaker: live.SpeakerModel})

	select {
	case s := <-got:
		if s != "model:is the link light on" {
			t.Errorf("transcript = %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not delivered")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	ps, _, cp := testProviders(nil)
	level := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, ps, app.WithLevelVar(level))
	ctx := context.Background()

	_, _ = a.Chat(ctx, "hello")

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Modes = map[string]config.ModeConfig{
		"TRIAGE": {Name: "Robin", Instructions: "Triage wireless issues only."},
	}
	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	p, err := a.Profile(mode.Triage)
	if err != nil || p.Name != "Robin" {
		t.Errorf("triage profile = %+v, %v", p, err)
	}

	_, _ = a.Chat(ctx, "hello again")
	sessions := cp.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want a fresh triage conversation", len(sessions))
	}
	if sessions[1].Cfg.SystemPrompt != "Triage wireless issues only." {
		t.Errorf("new prompt = %q", sessions[1].Cfg.SystemPrompt)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	ps, _, _ := testProviders(nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("netassist_voice_turns 0\n"))
	})
	a := newApp(t, testConfig(), ps, app.WithMetricsHandler(metrics))

	rec := get(t, a.Handler(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "netassist_voice_turns") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()
	ps, _, _ := testProviders(sess)
	var closes atomic.Int32
	a := newApp(t, testConfig(), ps, app.WithCloser(func() error {
		closes.Add(1)
		return nil
	}))

	if err := a.ConnectVoice(context.Background(), mode.Triage, nil, nil); err != nil {
		t.Fatalf("ConnectVoice: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if a.VoiceState() != voice.StateDisconnected {
		t.Error("Shutdown left the voice session running")
	}
	if sess.CloseCount() == 0 {
		t.Error("live session not closed")
	}
	if n := closes.Load(); n != 1 {
		t.Errorf("closer calls = %d, want 1", n)
	}
}
