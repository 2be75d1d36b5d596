package voice_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	"github.com/MrWong99/netassist/internal/voice"
	"github.com/MrWong99/netassist/pkg/audio"
	audiomock "github.com/MrWong99/netassist/pkg/audio/mock"
	"github.com/MrWong99/netassist/pkg/provider/live"
	livemock "github.com/MrWong99/netassist/pkg/provider/live/mock"
)

const outRate = 24000

type harness struct {
	mgr    *voice.Manager
	in     *audiomock.InputDevice
	out    *audiomock.OutputDevice
	prov   *livemock.Provider
	sess   *livemock.Session
	reader *sdkmetric.ManualReader

	transcripts chan string
	closed      chan voice.CloseInfo
}

func newHarness(t *testing.T, mutate ...func(*voice.Config)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		in:          &audiomock.InputDevice{},
		out:         &audiomock.OutputDevice{},
		sess:        livemock.NewSession(),
		reader:      reader,
		transcripts: make(chan string, 64),
		closed:      make(chan voice.CloseInfo, 4),
	}
	h.prov = &livemock.Provider{Session: h.sess}

	cfg := voice.Config{
		Provider:     h.prov,
		Input:        h.in,
		Output:       h.out,
		OutputFormat: audio.Format{SampleRate: outRate, Channels: 1},
		Metrics:      met,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.mgr = voice.New(cfg)
	t.Cleanup(h.mgr.Disconnect)
	return h
}

func (h *harness) connect(t *testing.T, m mode.Mode) {
	t.Helper()
	err := h.mgr.Connect(context.Background(), m,
		func(text string, speaker live.Speaker) { h.transcripts <- string(speaker) + ":" + text },
		func(info voice.CloseInfo) { h.closed <- info },
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// sync blocks until every event emitted so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	marker := fmt.Sprintf("sync-%d", time.Now().UnixNano())
	if !h.sess.Emit(live.TranscriptEvent{Text: marker, Speaker: live.SpeakerModel}) {
		t.Fatal("session already ended")
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.transcripts:
			if strings.HasSuffix(got, marker) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for event loop")
		}
	}
}

func (h *harness) waitClosed(t *testing.T) voice.CloseInfo {
	t.Helper()
	select {
	case info := <-h.closed:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onClosed")
		return voice.CloseInfo{}
	}
}

func segment(seconds float64, value float32) live.AudioEvent {
	samples := make([]float32, int(seconds*outRate))
	for i := range samples {
		samples[i] = value
	}
	return live.AudioEvent{Segment: audio.Segment{
		Data:   audio.FloatToPCM16(samples),
		Format: audio.Format{SampleRate: outRate, Channels: 1},
	}}
}

// level reports the constant value of out, or NaN if it is not constant.
func level(out []float32) float64 {
	if len(out) == 0 {
		return math.NaN()
	}
	v := out[0]
	for _, s := range out {
		if math.Abs(float64(s-v)) > 1e-6 {
			return math.NaN()
		}
	}
	return float64(v)
}

func near(a, b float64) bool { return math.Abs(a-b) < 2.0/32768 }

func TestManager_TriageScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	if got := h.mgr.State(); got != voice.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := h.mgr.Mode(); got != mode.Triage {
		t.Fatalf("mode = %s, want TRIAGE", got)
	}

	// Two silent microphone frames become two 8192-byte chunks.
	mic := h.in.Stream()
	for range 2 {
		if !mic.Emit(make([]float32, 4096)) {
			t.Fatal("microphone not started")
		}
	}
	sent := h.sess.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(sent))
	}
	for i, c := range sent {
		if len(c.Data) != 8192 || c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d: %d bytes %q, want 8192 bytes audio/pcm;rate=16000", i, len(c.Data), c.MIMEType)
		}
	}

	// 0.5s and 0.3s of model speech are queued back to back.
	h.sess.Emit(segment(0.5, 0.25))
	h.sess.Emit(segment(0.3, 0.5))
	h.sync(t)

	if st := h.mgr.Status(); st.LiveUnits != 2 {
		t.Fatalf("live units = %d, want 2", st.LiveUnits)
	}

	speaker := h.out.Stream()
	// Play the first 0.25s.
	if got := level(speaker.Pull(outRate / 4)); !near(got, 0.25) {
		t.Fatalf("first window level = %v, want 0.25", got)
	}

	// Barge-in, then a fresh 0.2s reply.
	h.sess.Emit(live.InterruptedEvent{})
	h.sess.Emit(segment(0.2, -0.5))
	h.sync(t)

	// The reply starts at the device clock (0.25s), not at the old cursor
	// (0.8s), and nothing of the first two units is heard again.
	reply := speaker.Pull(outRate / 5)
	if got := level(reply); !near(got, -0.5) {
		t.Fatalf("reply level = %v, want -0.5", got)
	}
	if got := level(speaker.Pull(outRate / 2)); got != 0 {
		t.Fatalf("after reply level = %v, want silence", got)
	}

	h.mgr.Disconnect()
	info := h.waitClosed(t)
	if info.Reason != voice.ReasonUser || info.Mode != mode.Triage {
		t.Errorf("close info = %+v, want user/TRIAGE", info)
	}
}

func TestManager_ConnectUsesModeProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Analyst)

	calls := h.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice)
	}
	if !strings.Contains(cfg.Instructions, "Jordan") {
		t.Error("instructions do not carry the Analyst persona")
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not requested")
	}
	if cfg.InputFormat.SampleRate != 16000 {
		t.Errorf("input rate = %d, want 16000", cfg.InputFormat.SampleRate)
	}
	if got := h.in.Configs[0].FramesPerBuffer; got != 4096 {
		t.Errorf("frames per buffer = %d, want 4096", got)
	}

	st := h.mgr.Status()
	if st.Persona != "Jordan" || st.StateName != "connected" || st.SessionID == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_TranscriptsInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	h.sess.Emit(live.TranscriptEvent{Text: "my vpn is down", Speaker: live.SpeakerUser})
	h.sess.Emit(live.TranscriptEvent{Text: "Let's check", Speaker: live.SpeakerModel})

	for _, want := range []string{"user:my vpn is down", "model:Let's check"} {
		select {
		case got := <-h.transcripts:
			if got != want {
				t.Errorf("transcript = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestManager_DisconnectWaitsForTranscriptDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	err := h.mgr.Connect(context.Background(), mode.Triage,
		func(text string, _ live.Speaker) {
			close(entered)
			<-unblock
			record("transcript:" + text)
		},
		func(voice.CloseInfo) { record("closed") },
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.sess.Emit(live.TranscriptEvent{Text: "router rebooted", Speaker: live.SpeakerUser})
	<-entered

	done := make(chan struct{})
	go func() {
		h.mgr.Disconnect()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Disconnect returned while a transcript was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after delivery finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "transcript:router rebooted" || events[1] != "closed" {
		t.Errorf("events = %v, want the transcript before closed", events)
	}
}

func TestManager_StereoOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *voice.Config) { c.OutputFormat.Channels = 2 })
	h.connect(t, mode.Triage)

	if got := h.out.Configs[0].Format.Channels; got != 2 {
		t.Fatalf("speaker channels = %d, want 2", got)
	}
	h.sess.Emit(segment(0.1, 0.25))
	h.sync(t)

	// 50 ms of stereo frames.
	out := h.out.Stream().Pull(outRate / 20 * 2)
	if got := level(out); !near(got, 0.25) {
		t.Errorf("stereo level = %v, want 0.25 on both channels", got)
	}
}

func TestManager_StatusReportsCapturedAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	h.in.Stream().Emit(make([]float32, 4096))
	st := h.mgr.Status()
	if st.FramesSent != 1 || st.CapturedAudio != 256*time.Millisecond {
		t.Errorf("status = %+v, want one 256ms frame sent", st)
	}
}

func TestManager_Busy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	err := h.mgr.Connect(context.Background(), mode.Analyst, nil, nil)
	if !errors.Is(err, voice.ErrBusy) {
		t.Fatalf("second Connect: got %v, want ErrBusy", err)
	}
	if h.mgr.Mode() != mode.Triage {
		t.Error("busy Connect changed the active mode")
	}
}

func TestManager_UnknownMode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.mgr.Connect(context.Background(), mode.Mode("SALES"), nil, nil)
	if !errors.Is(err, voice.ErrUnknownMode) {
		t.Fatalf("got %v, want ErrUnknownMode", err)
	}
	if h.in.CallCountOpen != 0 {
		t.Error("microphone opened for an unknown mode")
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Architect)

	h.mgr.Disconnect()
	h.mgr.Disconnect()

	info := h.waitClosed(t)
	if info.Reason != voice.ReasonUser || info.Err != nil {
		t.Errorf("close info = %+v, want user without error", info)
	}
	select {
	case extra := <-h.closed:
		t.Fatalf("onClosed fired twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if h.mgr.State() != voice.StateDisconnected || h.mgr.Mode() != "" {
		t.Errorf("state = %s mode = %q after Disconnect", h.mgr.State(), h.mgr.Mode())
	}
	if !h.in.Stream().Closed() || !h.out.Stream().Closed() {
		t.Error("devices not released")
	}
	if h.sess.State() != live.StateClosed {
		t.Errorf("transport state = %s, want closed", h.sess.State())
	}
	if h.in.Stream().Emit(make([]float32, 4096)) {
		t.Error("microphone still delivering after Disconnect")
	}
}

func TestManager_DisconnectWhenIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mgr.Disconnect()
	if h.mgr.State() != voice.StateDisconnected {
		t.Error("Disconnect on idle manager changed state")
	}
}

func TestManager_RemoteClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	h.sess.CloseRemote("session expired")

	info := h.waitClosed(t)
	if info.Reason != voice.ReasonRemote || info.Message != "session expired" {
		t.Errorf("close info = %+v, want remote/session expired", info)
	}
	if h.mgr.State() != voice.StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.mgr.State())
	}
	if !h.in.Stream().Closed() || !h.out.Stream().Closed() {
		t.Error("devices not released after remote close")
	}

	// A later Disconnect must not fire onClosed again.
	h.mgr.Disconnect()
	select {
	case extra := <-h.closed:
		t.Fatalf("onClosed fired twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_TransportError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	boom := &live.TransportError{Op: "read", Err: errors.New("connection reset")}
	h.sess.Fail(boom)

	info := h.waitClosed(t)
	if info.Reason != voice.ReasonError {
		t.Fatalf("reason = %s, want error", info.Reason)
	}
	var te *live.TransportError
	if !errors.As(info.Err, &te) || te.Op != "read" {
		t.Errorf("err = %v, want the transport error", info.Err)
	}
	if h.mgr.State() != voice.StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.mgr.State())
	}
}

func TestManager_ReconnectAfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)
	h.mgr.Disconnect()
	h.waitClosed(t)

	h.prov.Session = livemock.NewSession()
	h.sess = h.prov.Session
	h.connect(t, mode.Analyst)
	if h.mgr.Mode() != mode.Analyst {
		t.Errorf("mode = %s, want ANALYST", h.mgr.Mode())
	}
	if h.in.CallCountOpen != 2 {
		t.Errorf("microphone opened %d times, want 2", h.in.CallCountOpen)
	}
}

func TestManager_ConnectFailureReleases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(h *harness)
		check     func(t *testing.T, err error)
		inClosed  bool
		outOpened bool
	}{
		{
			name: "microphone denied",
			setup: func(h *harness) {
				h.in.OpenErr = &audio.DeviceError{Op: "open input", Err: audio.ErrPermissionDenied}
			},
			check: func(t *testing.T, err error) {
				var de *audio.DeviceError
				if !errors.As(err, &de) || !errors.Is(err, audio.ErrPermissionDenied) {
					t.Errorf("err = %v, want DeviceError(ErrPermissionDenied)", err)
				}
			},
		},
		{
			name: "no speaker",
			setup: func(h *harness) {
				h.out.OpenErr = &audio.DeviceError{Op: "open output", Err: audio.ErrNoDevice}
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, audio.ErrNoDevice) {
					t.Errorf("err = %v, want ErrNoDevice", err)
				}
			},
			inClosed: true,
		},
		{
			name: "transport refused",
			setup: func(h *harness) {
				h.prov.ConnectErr = &live.TransportError{Op: "dial", Err: errors.New("refused")}
			},
			check: func(t *testing.T, err error) {
				var te *live.TransportError
				if !errors.As(err, &te) {
					t.Errorf("err = %v, want TransportError", err)
				}
			},
			inClosed:  true,
			outOpened: true,
		},
		{
			name: "capture start fails",
			setup: func(h *harness) {
				h.in.StartErr = errors.New("device busy")
			},
			check: func(t *testing.T, err error) {
				var de *audio.DeviceError
				if !errors.As(err, &de) {
					t.Errorf("err = %v, want DeviceError", err)
				}
			},
			inClosed:  true,
			outOpened: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h)

			err := h.mgr.Connect(context.Background(), mode.Triage, nil, func(voice.CloseInfo) {
				t.Error("onClosed fired for a failed connect")
			})
			if err == nil {
				t.Fatal("Connect succeeded")
			}
			tc.check(t, err)

			if h.mgr.State() != voice.StateDisconnected {
				t.Errorf("state = %s, want disconnected", h.mgr.State())
			}
			if s := h.in.Stream(); tc.inClosed && (s == nil || !s.Closed()) {
				t.Error("microphone not released")
			}
			if s := h.out.Stream(); tc.outOpened && (s == nil || !s.Closed()) {
				t.Error("speaker not released")
			}
			if tc.name == "capture start fails" && h.sess.CloseCount() == 0 {
				t.Error("transport not closed")
			}
		})
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *voice.Config) { c.ConnectTimeout = 50 * time.Millisecond })
	h.prov.ConnectHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := h.mgr.Connect(context.Background(), mode.Triage, nil, nil)
	var te *live.TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want TransportError(DeadlineExceeded)", err)
	}
	if !h.in.Stream().Closed() || !h.out.Stream().Closed() {
		t.Error("devices not released after timeout")
	}
}

func TestManager_DisconnectCancelsConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	entered := make(chan struct{})
	h.prov.ConnectHook = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Connect(context.Background(), mode.Triage, nil, nil) }()

	<-entered
	if h.mgr.State() != voice.StateConnecting {
		t.Fatalf("state = %s, want connecting", h.mgr.State())
	}
	h.mgr.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, voice.ErrConnectCanceled) {
			t.Fatalf("err = %v, want ErrConnectCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if h.mgr.State() != voice.StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.mgr.State())
	}
	if !h.in.Stream().Closed() {
		t.Error("microphone not released")
	}
}

func TestManager_UndecodableAudioDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	h.sess.Emit(live.AudioEvent{Segment: audio.Segment{
		Data:   []byte{1, 2, 3},
		Format: audio.Format{SampleRate: outRate, Channels: 1},
	}})
	h.sess.Emit(segment(0.1, 0.25))
	h.sync(t)

	if st := h.mgr.Status(); st.LiveUnits != 1 || st.StateName != "connected" {
		t.Fatalf("status = %+v, want one live unit and still connected", st)
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "netassist.playback.segments.dropped", "reason", "decode"); got != 1 {
		t.Errorf("decode drops = %d, want 1", got)
	}
}

func TestManager_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, mode.Triage)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(h.mgr.Disconnect)
	}
	h.sess.CloseRemote("bye")
	wg.Wait()

	h.waitClosed(t)
	select {
	case extra := <-h.closed:
		t.Fatalf("onClosed fired twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					return dp.Value
				}
			}
		}
	}
	return 0
}
