package synth

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/resilience"
	"github.com/MrWong99/voxclone/pkg/backend"
	"github.com/MrWong99/voxclone/pkg/backend/mock"
)

type fakeResolver struct {
	id    string
	err   error
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(context.Context, backend.Backend, string) (string, error) {
	f.calls.Add(1)
	return f.id, f.err
}

func newTestInvoker(t *testing.T, r SpeakerResolver, cfg Config) *Invoker {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return New(r, cfg, WithMetrics(m))
}

func outPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "out", "tts.wav")
}

func writeRef(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ref.wav")
	if err := mock.WriteTone(p, time.Second); err != nil {
		t.Fatal(err)
	}
	return p
}

func hasSpeakerKey(c mock.Call) bool {
	_, a := c.Keywords[backend.KeySpeaker]
	_, b := c.Keywords[backend.KeySpeakerID]
	return a || b
}

func TestIsMissingSpeaker(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New(backend.MultiSpeakerMessage), true},
		{errors.New("coqui: synthesize: " + backend.MultiSpeakerMessage + "."), true},
		{errors.New("multi-speaker model: no `speaker` is provided"), true},
		{errors.New("no `speaker` is provided"), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range tests {
		if got := IsMissingSpeaker(tc.err); got != tc.want {
			t.Errorf("IsMissingSpeaker(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSynthesize_SignatureKeywords(t *testing.T) {
	b := &mock.Backend{Sig: []string{"text", "file_path", "language"}}
	inv := newTestInvoker(t, nil, Config{})
	out := outPath(t)

	res, err := inv.Synthesize(context.Background(), b, Request{Text: "hello", Language: "en", OutputPath: out, Speed: 1.25})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Strategy != StrategySignature || res.OutputPath != out {
		t.Errorf("result = %+v", res)
	}
	calls := b.CallsSnapshot()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	var keys []string
	for k := range calls[0].Keywords {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	want := []string{"file_path", "language", "speed", "text"}
	if !slices.Equal(keys, want) {
		t.Errorf("keywords = %v, want %v", keys, want)
	}
}

func TestSynthesize_PreferredKeywordsWithoutSignature(t *testing.T) {
	b := &mock.Backend{}
	inv := newTestInvoker(t, nil, Config{})
	out := outPath(t)

	res, err := inv.Synthesize(context.Background(), b, Request{Text: "hello", OutputPath: out})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Strategy != StrategyPreferred {
		t.Errorf("strategy = %q", res.Strategy)
	}
	kw := b.CallsSnapshot()[0].Keywords
	for _, k := range []string{"file_path", "file", "path", "filename"} {
		if kw[k] != out {
			t.Errorf("keyword %s = %v, want %s", k, kw[k], out)
		}
	}
	for _, k := range []string{"language", "speaker", "speaker_wav", "speaker_wav_path", "speaker_id", "speed"} {
		if _, ok := kw[k]; ok {
			t.Errorf("empty keyword %s should be left out", k)
		}
	}
}

func TestSynthesize_SpeakerPolicy(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		registry []string
		want     string
	}{
		{"configured default wins", Config{DefaultSpeakerID: "cfg"}, []string{"first"}, "cfg"},
		{"first registered speaker", Config{}, []string{"first", "second"}, "first"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &mock.Backend{MultiSpeaker: true, Registry: backend.NewRegistry(tc.registry...)}
			res, err := newTestInvoker(t, nil, tc.cfg).Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if res.Speaker != tc.want {
				t.Errorf("speaker = %q, want %q", res.Speaker, tc.want)
			}
			if got := b.CallsSnapshot()[0].Keywords[backend.KeySpeaker]; got != tc.want {
				t.Errorf("speaker keyword = %v, want %q", got, tc.want)
			}
		})
	}
}

func TestSynthesize_ExplicitSpeakerKept(t *testing.T) {
	b := &mock.Backend{MultiSpeaker: true, Registry: backend.NewRegistry("first")}
	res, err := newTestInvoker(t, nil, Config{DefaultSpeakerID: "cfg"}).
		Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t), Speaker: "explicit"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Speaker != "explicit" {
		t.Errorf("speaker = %q", res.Speaker)
	}
}

func TestSynthesize_SpeakerRequiredFailsFast(t *testing.T) {
	b := &mock.Backend{MultiSpeaker: true}
	_, err := newTestInvoker(t, nil, Config{}).Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
	if !errors.Is(err, ErrSpeakerRequired) {
		t.Fatalf("err = %v, want ErrSpeakerRequired", err)
	}
	if !apperr.Is(err, apperr.SynthesisError) {
		t.Errorf("kind = %v", apperr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "Model is multi-speaker and no speaker was provided") {
		t.Errorf("message = %q", err.Error())
	}
	if n := len(b.CallsSnapshot()); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestSynthesize_FallbackWithoutSpeaker(t *testing.T) {
	b := &mock.Backend{MultiSpeaker: true}
	_, err := newTestInvoker(t, nil, Config{AllowFallbackWithoutSpeaker: true}).
		Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "synthesis without a speaker failed") {
		t.Errorf("message = %q", err.Error())
	}
	e, _ := apperr.As(err)
	if e.Code != apperr.CodeSpeakerUnresolvable {
		t.Errorf("code = %s", e.Code)
	}
	calls := b.CallsSnapshot()
	if len(calls) == 0 {
		t.Fatal("fallback should have invoked the backend")
	}
	for i, c := range calls {
		if hasSpeakerKey(c) {
			t.Errorf("call %d carried a speaker: %v", i, c.Keywords)
		}
	}
}

func TestSynthesize_ResolvesSpeakerFromReference(t *testing.T) {
	b := &mock.Backend{
		MultiSpeaker: true,
		TTSFunc: func(_ context.Context, c backend.Call) error {
			args, err := c.Args()
			if err != nil {
				return err
			}
			if args.Speaker == "" {
				return errors.New(backend.MultiSpeakerMessage)
			}
			return mock.WriteTone(args.OutputPath, 100*time.Millisecond)
		},
	}
	r := &fakeResolver{id: "spk-ref"}
	res, err := newTestInvoker(t, r, Config{}).
		Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t), ReferenceAudio: writeRef(t)})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Strategy != StrategyResolvedSpeaker || res.Speaker != "spk-ref" {
		t.Errorf("result = %+v", res)
	}
	calls := b.CallsSnapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	last := calls[1].Keywords
	if last[backend.KeySpeaker] != "spk-ref" {
		t.Errorf("retry speaker = %v", last[backend.KeySpeaker])
	}
	if _, ok := last[backend.KeySpeakerWAV]; ok {
		t.Error("retry must drop speaker_wav")
	}
	if _, ok := last[backend.KeySpeakerWAVPath]; ok {
		t.Error("retry must drop speaker_wav_path")
	}
}

func TestSynthesize_UnresolvableSpeakerStops(t *testing.T) {
	b := &mock.Backend{
		TTSFunc: func(context.Context, backend.Call) error { return errors.New(backend.MultiSpeakerMessage) },
	}
	_, err := newTestInvoker(t, nil, Config{}).Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
	if err == nil || !strings.Contains(err.Error(), "none could be resolved") {
		t.Fatalf("err = %v", err)
	}
	e, ok := apperr.As(err)
	if !ok {
		t.Fatal("not an apperr")
	}
	attempts, _ := e.Details["attempts"].([]string)
	if !slices.Equal(attempts, []string{StrategyPreferred, StrategyResolvedSpeaker}) {
		t.Errorf("attempts = %v", attempts)
	}
	if n := len(b.CallsSnapshot()); n != 1 {
		t.Errorf("backend calls = %d, want 1: positional fallbacks must not run", n)
	}
}

func TestSynthesize_PositionalFallback(t *testing.T) {
	b := &mock.Backend{
		Sig: []string{"text", "file_path"},
		TTSFunc: func(_ context.Context, c backend.Call) error {
			if _, ok := c.Keywords[backend.KeyText]; ok {
				return errors.New("unexpected keyword argument 'text'")
			}
			args, err := c.Args()
			if err != nil {
				return err
			}
			return mock.WriteTone(args.OutputPath, 100*time.Millisecond)
		},
	}
	out := outPath(t)
	res, err := newTestInvoker(t, nil, Config{}).Synthesize(context.Background(), b, Request{Text: "hi", Language: "de", OutputPath: out})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Strategy != StrategyPositional {
		t.Errorf("strategy = %q", res.Strategy)
	}
	calls := b.CallsSnapshot()
	pos := calls[len(calls)-1].Positional
	if len(pos) != 3 || pos[0] != "hi" || pos[1] != out || pos[2] != "de" {
		t.Errorf("positional = %v", pos)
	}
}

func TestSynthesize_AllStrategiesFail(t *testing.T) {
	b := &mock.Backend{
		Sig:     []string{"text", "file_path"},
		TTSFunc: func(context.Context, backend.Call) error { return errors.New("boom") },
	}
	_, err := newTestInvoker(t, nil, Config{Breaker: resilience.CircuitBreakerConfig{MaxFailures: 100}}).
		Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t), ReferenceAudio: "ref.wav"})
	if !apperr.Is(err, apperr.SynthesisError) {
		t.Fatalf("err = %v, want SynthesisError", err)
	}
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Error("aggregated error should match ErrAllFailed")
	}
	e, _ := apperr.As(err)
	want := []string{StrategySignature, StrategyPreferred, StrategyPositional, StrategyPositionalSpeaker}
	if got, _ := e.Details["attempts"].([]string); !slices.Equal(got, want) {
		t.Errorf("attempts = %v, want %v", got, want)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Failed to invoke tts_to_file using multiple strategies") || !strings.Contains(msg, "last error: boom") {
		t.Errorf("message = %q", msg)
	}
	calls := b.CallsSnapshot()
	last := calls[len(calls)-1]
	if len(last.Positional) != 2 || last.Keywords[backend.KeySpeakerWAV] != "ref.wav" {
		t.Errorf("last call = %+v", last)
	}
}

func TestSynthesize_CircuitOpensOnBackendFailures(t *testing.T) {
	b := &mock.Backend{TTSFunc: func(context.Context, backend.Call) error { return errors.New("connection refused") }}
	inv := newTestInvoker(t, nil, Config{Breaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}})
	req := Request{Text: "hi", OutputPath: outPath(t)}

	_, err := inv.Synthesize(context.Background(), b, req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("first err = %v, want ErrCircuitOpen", err)
	}
	if n := len(b.CallsSnapshot()); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
	if got := inv.BreakerStates()["mock"]; got != "open" {
		t.Errorf("breaker state = %q", got)
	}

	b.Reset()
	if _, err := inv.Synthesize(context.Background(), b, req); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("second err = %v", err)
	}
	if n := len(b.CallsSnapshot()); n != 0 {
		t.Errorf("backend called %d times while open", n)
	}
}

func TestSynthesize_MissingSpeakerDoesNotTrip(t *testing.T) {
	b := &mock.Backend{TTSFunc: func(context.Context, backend.Call) error { return errors.New(backend.MultiSpeakerMessage) }}
	inv := newTestInvoker(t, nil, Config{Breaker: resilience.CircuitBreakerConfig{MaxFailures: 1}})
	for range 3 {
		_, _ = inv.Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
	}
	if got := inv.BreakerStates()["mock"]; got != "closed" {
		t.Errorf("breaker state = %q, want closed", got)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	inv := newTestInvoker(t, nil, Config{})
	tests := []struct {
		name string
		b    backend.Backend
		req  Request
		kind apperr.Kind
	}{
		{"no backend", nil, Request{Text: "hi", OutputPath: "x.wav"}, apperr.ModelLoadError},
		{"blank text", &mock.Backend{}, Request{Text: "  ", OutputPath: "x.wav"}, apperr.ValidationError},
		{"no output", &mock.Backend{}, Request{Text: "hi"}, apperr.ValidationError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := inv.Synthesize(context.Background(), tc.b, tc.req)
			if !apperr.Is(err, tc.kind) {
				t.Errorf("err = %v, want %s", err, tc.kind)
			}
		})
	}
}

func TestSynthesize_WorkerPoolBounds(t *testing.T) {
	var active, peak atomic.Int32
	b := &mock.Backend{TTSFunc: func(_ context.Context, c backend.Call) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		args, _ := c.Args()
		return mock.WriteTone(args.OutputPath, 10*time.Millisecond)
	}}
	inv := newTestInvoker(t, nil, Config{Workers: 1})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := inv.Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestSynthesize_WorkerWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	b := &mock.Backend{TTSFunc: func(_ context.Context, c backend.Call) error {
		<-release
		args, _ := c.Args()
		return mock.WriteTone(args.OutputPath, 10*time.Millisecond)
	}}
	inv := newTestInvoker(t, nil, Config{Workers: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inv.Synthesize(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t)})
	}()
	for len(b.CallsSnapshot()) == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inv.Synthesize(ctx, b, Request{Text: "hi", OutputPath: outPath(t)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	close(release)
	<-done
}

func TestClone(t *testing.T) {
	b := &mock.Backend{MultiSpeaker: true}
	r := &fakeResolver{id: "cloned-spk"}
	res, err := newTestInvoker(t, r, Config{}).
		Clone(context.Background(), b, Request{Text: "hi", Language: "en", OutputPath: outPath(t), ReferenceAudio: writeRef(t)})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if res.Speaker != "cloned-spk" {
		t.Errorf("speaker = %q", res.Speaker)
	}
	for i, c := range b.CallsSnapshot() {
		if _, ok := c.Keywords[backend.KeySpeakerWAV]; ok {
			t.Errorf("call %d passed the raw reference path", i)
		}
	}
}

func TestClone_SpanName(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	inv := newTestInvoker(t, &fakeResolver{id: "cloned-spk"}, Config{})
	ctx := context.Background()
	if _, err := inv.Clone(ctx, &mock.Backend{}, Request{Text: "hi", OutputPath: outPath(t), ReferenceAudio: writeRef(t)}); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := inv.Synthesize(ctx, &mock.Backend{}, Request{Text: "hi", OutputPath: outPath(t)}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var names []string
	for _, s := range exp.GetSpans() {
		names = append(names, s.Name)
	}
	for _, want := range []string{"synth.Clone", "synth.Synthesize"} {
		if !slices.Contains(names, want) {
			t.Errorf("spans = %v, missing %s", names, want)
		}
	}
}

func TestClone_Errors(t *testing.T) {
	tests := []struct {
		name     string
		resolver SpeakerResolver
		ref      func(t *testing.T) string
		kind     apperr.Kind
		code     apperr.Code
	}{
		{"missing reference file", &fakeResolver{id: "x"}, func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.wav") }, apperr.NotFound, apperr.CodeFileNotFound},
		{"no reference", &fakeResolver{id: "x"}, func(*testing.T) string { return "" }, apperr.ValidationError, apperr.CodeMissingParameter},
		{"registration fails", &fakeResolver{err: errors.New("nope")}, writeRef, apperr.SynthesisError, apperr.CodeSpeakerUnresolvable},
		{"no resolver", nil, writeRef, apperr.SynthesisError, apperr.CodeSpeakerUnresolvable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &mock.Backend{}
			_, err := newTestInvoker(t, tc.resolver, Config{}).
				Clone(context.Background(), b, Request{Text: "hi", OutputPath: outPath(t), ReferenceAudio: tc.ref(t)})
			e, ok := apperr.As(err)
			if !ok {
				t.Fatalf("err = %v, want apperr", err)
			}
			if e.Kind != tc.kind || e.Code != tc.code {
				t.Errorf("got (%s, %s), want (%s, %s)", e.Kind, e.Code, tc.kind, tc.code)
			}
			if n := len(b.CallsSnapshot()); n != 0 {
				t.Errorf("backend called %d times", n)
			}
		})
	}
}
