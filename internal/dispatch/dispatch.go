package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/dedupe"
	"github.com/linnemanlabs/herald/internal/delivery"
	"github.com/linnemanlabs/herald/internal/notify"
	"github.com/linnemanlabs/herald/internal/render"
	"github.com/linnemanlabs/herald/internal/route"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/dispatch")

// Outcome is the result of one (alert, channel) pair, or of a whole alert
// that resolved to no channels.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip and failure reasons reported through Hooks.OnOutcome.
const (
	ReasonDelivered     = "delivered"
	ReasonNoChannels    = "no_channels"
	ReasonDeduped       = "deduped"
	ReasonNotConfigured = "not_configured"
	ReasonNoSender      = "no_sender"
	ReasonExhausted     = "retries_exhausted"
	ReasonMalformed     = "malformed"
)

// Counters aggregates outcomes for one batch.
type Counters struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (c *Counters) add(o Outcome) {
	switch o {
	case OutcomeSent:
		c.Sent++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		c.Failed++
	}
}

// Report is the result of one Dispatch call.
type Report struct {
	ID string `json:"id"`
	Counters
}

// Hooks receive dispatch callbacks. Nil fields are ignored.
type Hooks struct {
	OnOutcome func(channel alert.ChannelID, outcome Outcome, reason string)
	OnBatch   func(r Report, alerts int, d time.Duration)
	OnInvalid func()
}

// Options wires a Coordinator.
type Options struct {
	Routes   *route.Table
	Dedupe   *dedupe.Cache
	Renderer *render.Renderer
	Executor *delivery.Executor
	Senders  *notify.Registry
	Logger   log.Logger
	Hooks    Hooks

	// Parallel sends the channels of one alert concurrently.
	Parallel bool

	// Now is the dedupe clock. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator processes dispatch batches. It is safe for concurrent use; the
// dedupe cache is the only state shared between calls.
type Coordinator struct {
	routes   *route.Table
	dedupe   *dedupe.Cache
	renderer *render.Renderer
	exec     *delivery.Executor
	senders  *notify.Registry
	logger   log.Logger
	hooks    Hooks
	parallel bool
	now      func() time.Time
}

// New creates a Coordinator. Routes, Dedupe, Executor and Senders are
// required.
func New(opts Options) *Coordinator {
	if opts.Routes == nil || opts.Dedupe == nil || opts.Executor == nil || opts.Senders == nil {
		panic(xerrors.New("dispatch: routes, dedupe, executor and senders are required"))
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		routes:   opts.Routes,
		dedupe:   opts.Dedupe,
		renderer: opts.Renderer,
		exec:     opts.Executor,
		senders:  opts.Senders,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		parallel: opts.Parallel,
		now:      opts.Now,
	}
}

// DispatchRaw decodes a webhook body and dispatches it. A body whose alerts
// field is not an array returns an error wrapping alert.ErrInvalidBatch and no
// report.
func (c *Coordinator) DispatchRaw(ctx context.Context, raw []byte) (Report, error) {
	b, err := alert.DecodeBatch(raw)
	if err != nil {
		if c.hooks.OnInvalid != nil {
			c.hooks.OnInvalid()
		}
		return Report{}, err
	}
	return c.Dispatch(ctx, b), nil
}

// Dispatch delivers every alert of b and returns the aggregate counters. It
// never fails for partial delivery failure.
func (c *Coordinator) Dispatch(ctx context.Context, b *alert.Batch) Report {
	start := time.Now()
	rep := Report{ID: ulid.Make().String()}

	ctx, span := tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(
		attribute.String("herald.dispatch.id", rep.ID),
		attribute.Int("herald.dispatch.alerts", len(b.Alerts)),
		attribute.String("herald.dispatch.status", string(b.Status)),
	))
	defer span.End()

	L := c.logger.With("dispatch_id", rep.ID)
	ctx = log.WithContext(ctx, L)

	for range b.Malformed {
		rep.add(OutcomeFailed)
		c.outcome("", OutcomeFailed, ReasonMalformed)
	}
	if b.Malformed > 0 {
		L.Warn(ctx, "batch contained non-alert elements", "count", b.Malformed)
	}

	for i := range b.Alerts {
		rep.Counters = addCounters(rep.Counters, c.dispatchAlert(ctx, &b.Alerts[i], b.Status))
	}

	span.SetAttributes(
		attribute.Int("herald.dispatch.sent", rep.Sent),
		attribute.Int("herald.dispatch.skipped", rep.Skipped),
		attribute.Int("herald.dispatch.failed", rep.Failed),
	)
	L.Info(ctx, "payload dispatched",
		"alerts", len(b.Alerts),
		"sent", rep.Sent,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	if c.hooks.OnBatch != nil {
		c.hooks.OnBatch(rep, len(b.Alerts)+b.Malformed, time.Since(start))
	}
	return rep
}

func (c *Coordinator) dispatchAlert(ctx context.Context, a *alert.Alert, batchStatus alert.Status) Counters {
	var counts Counters

	channels := c.routes.Resolve(a)
	if len(channels) == 0 {
		counts.add(OutcomeSkipped)
		c.outcome("", OutcomeSkipped, ReasonNoChannels)
		return counts
	}

	msg := c.renderer.Render(a, batchStatus)
	fp := alert.ResolveFingerprint(a)

	if !c.parallel || len(channels) == 1 {
		for _, ch := range channels {
			counts.add(c.deliver(ctx, ch, fp, msg))
		}
		return counts
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, ch := range channels {
		g.Go(func() error {
			o := c.deliver(ctx, ch, fp, msg)
			mu.Lock()
			counts.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // deliver never returns an error; failures are counted
	return counts
}

// deliver runs the dedupe check and the retry executor for one channel.
func (c *Coordinator) deliver(ctx context.Context, ch alert.ChannelID, fp string, msg notify.Message) Outcome {
	ctx, span := tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String("herald.channel", string(ch)),
		attribute.String("herald.fingerprint", fp),
		attribute.String("herald.status", string(msg.Status)),
	))
	defer span.End()

	L := log.FromContext(ctx).With("channel", string(ch), "fingerprint", fp)

	if c.dedupe.ShouldDrop(dedupe.Key(fp, string(msg.Status), string(ch)), c.now()) {
		L.Info(ctx, "dedupe suppressed duplicate notification")
		return c.finish(span, ch, OutcomeSkipped, ReasonDeduped)
	}

	sender, ok := c.senders.Lookup(ch)
	if !ok {
		L.Info(ctx, "channel skipped", "reason", "no sender registered")
		return c.finish(span, ch, OutcomeSkipped, ReasonNoSender)
	}

	res, err := c.exec.Send(ctx, sender, msg)
	span.SetAttributes(attribute.Int("herald.attempts", res.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var de *delivery.DeliveryError
		if errors.As(err, &de) {
			L.Error(ctx, err, "channel delivery failed after retries", "attempts", de.Attempts)
		} else {
			L.Error(ctx, err, "channel delivery failed")
		}
		return c.finish(span, ch, OutcomeFailed, ReasonExhausted)
	}
	if res.Skipped {
		return c.finish(span, ch, OutcomeSkipped, ReasonNotConfigured)
	}
	return c.finish(span, ch, OutcomeSent, ReasonDelivered)
}

func (c *Coordinator) finish(span trace.Span, ch alert.ChannelID, o Outcome, reason string) Outcome {
	span.SetAttributes(
		attribute.String("herald.outcome", string(o)),
		attribute.String("herald.reason", reason),
	)
	c.outcome(ch, o, reason)
	return o
}

func (c *Coordinator) outcome(ch alert.ChannelID, o Outcome, reason string) {
	if c.hooks.OnOutcome != nil {
		c.hooks.OnOutcome(ch, o, reason)
	}
}

func addCounters(a, b Counters) Counters {
	return Counters{
		Sent:    a.Sent + b.Sent,
		Skipped: a.Skipped + b.Skipped,
		Failed:  a.Failed + b.Failed,
	}
}
