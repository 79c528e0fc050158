package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/dedupe"
	"github.com/linnemanlabs/herald/internal/delivery"
	"github.com/linnemanlabs/herald/internal/notify"
	"github.com/linnemanlabs/herald/internal/render"
	"github.com/linnemanlabs/herald/internal/route"
)

// fakeSender records messages and fails with err when set.
type fakeSender struct {
	mu    sync.Mutex
	id    alert.ChannelID
	err   error
	calls int
	msgs  []notify.Message
	block chan struct{}
}

func (f *fakeSender) Channel() alert.ChannelID { return f.id }

func (f *fakeSender) Send(_ context.Context, msg notify.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	coord  *Coordinator
	tg     *fakeSender
	wecom  *fakeSender
	delays []time.Duration
	clock  time.Time
	mu     sync.Mutex
}

type harnessOpts struct {
	schedule []time.Duration
	parallel bool
	hooks    Hooks
	senders  []notify.Sender
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	h := &harness{
		tg:    &fakeSender{id: alert.ChannelTelegram},
		wecom: &fakeSender{id: alert.ChannelWeCom},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if o.schedule == nil {
		o.schedule = []time.Duration{time.Second, 2 * time.Second}
	}
	senders := o.senders
	if senders == nil {
		senders = []notify.Sender{h.tg, h.wecom}
	}

	exec := delivery.NewExecutor(o.schedule, log.Nop(), delivery.WithSleep(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}))

	h.coord = New(Options{
		Routes: route.NewTable(route.Config{
			Enabled:    []alert.ChannelID{alert.ChannelTelegram, alert.ChannelWeCom, alert.ChannelServerChan},
			BySeverity: route.DefaultRoutes(),
		}),
		Dedupe:   dedupe.New(45*time.Second, 100),
		Renderer: render.New(time.UTC),
		Executor: exec,
		Senders:  notify.NewRegistry(senders...),
		Logger:   log.Nop(),
		Hooks:    o.hooks,
		Parallel: o.parallel,
		Now:      h.now,
	})
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

func criticalAlert(fp string) alert.Alert {
	return alert.Alert{
		Labels: map[string]string{
			"severity":  "critical",
			"source":    "db",
			"alertname": "ReplicaLag",
		},
		Annotations: map[string]string{"summary": "lag"},
		StartsAt:    "2026-03-01T11:59:00Z",
		Fingerprint: fp,
	}
}

func batch(alerts ...alert.Alert) *alert.Batch {
	return &alert.Batch{Status: alert.StatusFiring, Alerts: alerts}
}

func wantCounters(t *testing.T, got Report, sent, skipped, failed int) {
	t.Helper()
	if got.Sent != sent || got.Skipped != skipped || got.Failed != failed {
		t.Errorf("counters = sent:%d skipped:%d failed:%d, want sent:%d skipped:%d failed:%d",
			got.Sent, got.Skipped, got.Failed, sent, skipped, failed)
	}
}

func TestDispatch_BothChannelsSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	rep := h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-1")))

	wantCounters(t, rep, 2, 0, 0)
	if rep.ID == "" {
		t.Error("report must carry a dispatch id")
	}
	if h.tg.Calls() != 1 || h.wecom.Calls() != 1 {
		t.Errorf("calls tg=%d wecom=%d, want 1 each", h.tg.Calls(), h.wecom.Calls())
	}
	if h.tg.msgs[0].Title != "[CRITICAL][FIRING][db] ReplicaLag" {
		t.Errorf("title = %q", h.tg.msgs[0].Title)
	}
}

func TestDispatch_DuplicateWithinWindowSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	b := batch(criticalAlert("fp-1"))

	wantCounters(t, h.coord.Dispatch(context.Background(), b), 2, 0, 0)
	h.advance(44 * time.Second)
	wantCounters(t, h.coord.Dispatch(context.Background(), b), 0, 2, 0)
	h.advance(time.Second)
	wantCounters(t, h.coord.Dispatch(context.Background(), b), 2, 0, 0)

	if h.tg.Calls() != 2 {
		t.Errorf("tg calls = %d, want 2", h.tg.Calls())
	}
}

func TestDispatch_FailingChannelIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{schedule: []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}})
	h.wecom.err = errors.New("wecom: errcode 45009: api freq out of limit")

	rep := h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-1")))

	wantCounters(t, rep, 1, 0, 1)
	if h.wecom.Calls() != 3 {
		t.Errorf("wecom attempts = %d, want 3", h.wecom.Calls())
	}
	if h.tg.Calls() != 1 {
		t.Errorf("tg calls = %d, want 1", h.tg.Calls())
	}
	if len(h.delays) != 2 || h.delays[0] != time.Second || h.delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", h.delays)
	}
}

func TestDispatch_MutedAlertSkippedOnce(t *testing.T) {
	t.Parallel()

	for _, sev := range []string{"critical", "warning", "info", "bogus"} {
		h := newHarness(t, harnessOpts{})
		a := criticalAlert("fp-mute")
		a.Labels["severity"] = sev
		a.Labels["notify_mute"] = "true"

		rep := h.coord.Dispatch(context.Background(), batch(a))
		wantCounters(t, rep, 0, 1, 0)
		if h.tg.Calls()+h.wecom.Calls() != 0 {
			t.Errorf("severity %s: muted alert was delivered", sev)
		}
	}
}

func TestDispatchRaw_InvalidBatch(t *testing.T) {
	t.Parallel()

	invalid := 0
	h := newHarness(t, harnessOpts{hooks: Hooks{OnInvalid: func() { invalid++ }}})
	rep, err := h.coord.DispatchRaw(context.Background(), []byte(`{"alerts":"not-an-array"}`))
	if !errors.Is(err, alert.ErrInvalidBatch) {
		t.Fatalf("err = %v, want ErrInvalidBatch", err)
	}
	if rep != (Report{}) {
		t.Errorf("report = %+v, want zero", rep)
	}
	if invalid != 1 {
		t.Errorf("OnInvalid calls = %d, want 1", invalid)
	}
	if h.tg.Calls()+h.wecom.Calls() != 0 {
		t.Error("nothing may be delivered for an invalid batch")
	}
}

func TestDispatchRaw_MalformedElementsCountFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	raw := []byte(`{"status":"firing","alerts":[42,{"labels":{"severity":"warning","source":"x"},"fingerprint":"ok"},"str"]}`)
	rep, err := h.coord.DispatchRaw(context.Background(), raw)
	if err != nil {
		t.Fatalf("DispatchRaw: %v", err)
	}
	wantCounters(t, rep, 2, 0, 2)
}

func TestDispatchRaw_NonStringLabelValues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	raw := []byte(`{"alerts":[{"labels":{"severity":"critical","source":"db","port":9090},"fingerprint":"num"}]}`)
	rep, err := h.coord.DispatchRaw(context.Background(), raw)
	if err != nil {
		t.Fatalf("DispatchRaw: %v", err)
	}
	wantCounters(t, rep, 2, 0, 0)
	if h.tg.Calls() != 1 {
		t.Errorf("tg calls = %d, want 1", h.tg.Calls())
	}
}

func TestDispatchRaw_UnknownSeverityOverrideRendersInfo(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	raw := []byte(`{"alerts":[{"labels":{"source":"db","alertname":"X","notify_channels":"tg"},"fingerprint":"p1"}]}`)
	rep, err := h.coord.DispatchRaw(context.Background(), raw)
	if err != nil {
		t.Fatalf("DispatchRaw: %v", err)
	}
	wantCounters(t, rep, 1, 0, 0)
	if len(h.tg.msgs) != 1 {
		t.Fatalf("tg msgs = %d, want 1", len(h.tg.msgs))
	}
	msg := h.tg.msgs[0]
	if msg.Severity != alert.SeverityInfo || msg.Title != "[INFO][FIRING][db] X" {
		t.Errorf("msg = %q severity %q, want [INFO][FIRING][db] X severity info", msg.Title, msg.Severity)
	}
}

func TestDispatch_ResolvedNotSuppressedByFiring(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	firing := criticalAlert("fp-1")
	wantCounters(t, h.coord.Dispatch(context.Background(), batch(firing)), 2, 0, 0)

	resolved := criticalAlert("fp-1")
	resolved.EndsAt = "2026-03-01T12:00:10Z"
	h.advance(time.Second)
	rep := h.coord.Dispatch(context.Background(), &alert.Batch{Status: alert.StatusResolved, Alerts: []alert.Alert{resolved}})
	wantCounters(t, rep, 2, 0, 0)

	last := h.tg.msgs[len(h.tg.msgs)-1]
	if last.Status != alert.StatusResolved {
		t.Errorf("status = %q, want resolved", last.Status)
	}
}

func TestDispatch_ContentFingerprintCollapsesIdenticalAlerts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	a := criticalAlert("")
	b := criticalAlert("")
	rep := h.coord.Dispatch(context.Background(), batch(a, b))
	wantCounters(t, rep, 2, 2, 0)
}

func TestDispatch_OverrideAndUnconfiguredChannel(t *testing.T) {
	t.Parallel()

	var outcomes []string
	var mu sync.Mutex
	h := newHarness(t, harnessOpts{hooks: Hooks{OnOutcome: func(ch alert.ChannelID, o Outcome, reason string) {
		mu.Lock()
		outcomes = append(outcomes, string(ch)+"/"+string(o)+"/"+reason)
		mu.Unlock()
	}}})
	h.tg.err = notify.ErrNotConfigured

	a := criticalAlert("fp-o")
	a.Labels["notify_channels"] = "serverchan,tg,wecom"

	rep := h.coord.Dispatch(context.Background(), batch(a))
	// serverchan is enabled but has no sender; tg is not configured
	wantCounters(t, rep, 1, 2, 0)

	want := []string{
		"serverchan/skipped/no_sender",
		"tg/skipped/not_configured",
		"wecom/sent/delivered",
	}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, outcomes[i], want[i])
		}
	}
	if h.tg.Calls() != 1 {
		t.Errorf("unconfigured channel must not be retried, calls = %d", h.tg.Calls())
	}
}

func TestDispatch_ParallelFanOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	tgS := &fakeSender{id: alert.ChannelTelegram, block: release}
	wcS := &fakeSender{id: alert.ChannelWeCom, err: errors.New("down")}
	h := newHarness(t, harnessOpts{parallel: true, senders: []notify.Sender{tgS, wcS}})

	done := make(chan Report)
	go func() { done <- h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-p"))) }()

	// wecom must finish its whole schedule while tg is still blocked
	deadline := time.After(5 * time.Second)
	for wcS.Calls() < 3 {
		select {
		case <-deadline:
			t.Fatal("wecom retries blocked by the tg send")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)

	rep := <-done
	wantCounters(t, rep, 1, 0, 1)
}

func TestDispatch_ConcurrentBatchesAdmitOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{parallel: true})
	var wg sync.WaitGroup
	results := make([]Report, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-race")))
		}()
	}
	wg.Wait()

	var sent, skipped int
	for _, r := range results {
		sent += r.Sent
		skipped += r.Skipped
	}
	if sent != 2 || skipped != 30 {
		t.Errorf("sent=%d skipped=%d, want 2 and 30", sent, skipped)
	}
	if h.tg.Calls() != 1 || h.wecom.Calls() != 1 {
		t.Errorf("calls tg=%d wecom=%d, want 1 each", h.tg.Calls(), h.wecom.Calls())
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cache := dedupe.New(time.Minute, 10)
	m := NewMetrics(reg, cache.Len)

	h := newHarness(t, harnessOpts{hooks: m.Hooks()})
	h.wecom.err = errors.New("down")
	h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-m")))
	_, _ = h.coord.DispatchRaw(context.Background(), []byte(`{}`))

	if got := testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("tg", "sent", ReasonDelivered)); got != 1 {
		t.Errorf("tg sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("wecom", "failed", ReasonExhausted)); got != 1 {
		t.Errorf("wecom failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("invalid")); got != 1 {
		t.Errorf("invalid batches = %v, want 1", got)
	}

	cache.ShouldDrop("k", time.Now())
	if got := testutil.ToFloat64(m.DedupeEntries); got != 1 {
		t.Errorf("dedupe gauge = %v, want 1", got)
	}

	dh := m.DeliveryHooks()
	dh.OnAttempt(delivery.Attempt{Channel: alert.ChannelSlack, Err: errors.New("x"), Duration: time.Millisecond})
	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("slack", "error")); got != 1 {
		t.Errorf("slack error attempts = %v, want 1", got)
	}
}

func TestDispatch_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, harnessOpts{})
	h.coord.Dispatch(context.Background(), batch(criticalAlert("fp-span")))

	counts := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
	}
	if counts["dispatch.batch"] != 1 {
		t.Errorf("dispatch.batch spans = %d, want 1", counts["dispatch.batch"])
	}
	if counts["dispatch.deliver"] != 2 {
		t.Errorf("dispatch.deliver spans = %d, want 2", counts["dispatch.deliver"])
	}
}

func TestNew_PanicsWithoutDependencies(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{})
}
