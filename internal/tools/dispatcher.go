// Package tools executes model-requested capability calls exactly once per
// call id and turns every outcome into a response plus a log entry.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/msglog"
)

const (
	NameSearch         = "search"
	NameGenerateImage  = "generate_image"
	NameReimagineImage = "reimagine_image"
)

const (
	searchApology      = "I'm sorry, I encountered an error while searching."
	noImageData        = "No image data received."
	generateFailed     = "Failed to generate image."
	reimagineFailed    = "Failed to reimagine image."
	noCameraFrame      = "No camera frame available."
	unknownToolMessage = "Unknown tool requested."
)

// ErrNoFrame is returned by a FrameFunc when the camera has produced nothing yet.
var ErrNoFrame = errors.New("no camera frame available")

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the response returned to the model for a call.
type Result struct {
	CallID   string
	Name     string
	Response map[string]any
}

// Sink receives the outcome of a completed call. It is not invoked for calls
// that were cancelled or dispatched after Close.
type Sink func(Result, msglog.Draft)

// FrameFunc returns the latest camera still for reimagine calls.
type FrameFunc func() (capability.Image, error)

type Options struct {
	Timeout       time.Duration
	DedupCapacity int
}

// SearchOutcome is the fail-soft search result.
type SearchOutcome struct {
	Text    string
	Sources []capability.GroundingSource
}

// ImageOutcome carries either an image or the reason there is none.
type ImageOutcome struct {
	Image *capability.Image
	Error string
}

// Dispatcher runs calls concurrently. Duplicate ids are suppressed while in
// flight and for two turns after completion.
type Dispatcher struct {
	provider capability.Provider
	frame    FrameFunc
	sink     Sink
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	turn     uint64
	inflight map[string]context.CancelFunc
	done     *lru.Cache[string, uint64]

	tracer     trace.Tracer
	dispatched metric.Int64Counter
	duplicates metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	gaugeReg   metric.Registration
}

func NewDispatcher(provider capability.Provider, frame FrameFunc, sink Sink, opts Options, logger *slog.Logger) (*Dispatcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 256
	}
	cache, err := lru.New[string, uint64](opts.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		provider: provider,
		frame:    frame,
		sink:     sink,
		opts:     opts,
		log:      logger.With(slog.String("component", "tools")),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
		done:     cache,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-live/tools"),
	}
	if err := d.initMetrics(); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/tools")
	var err error
	if d.dispatched, err = meter.Int64Counter("loqa.live.tools.dispatched", metric.WithDescription("Tool calls executed")); err != nil {
		return fmt.Errorf("create dispatched counter: %w", err)
	}
	if d.duplicates, err = meter.Int64Counter("loqa.live.tools.duplicates", metric.WithDescription("Duplicate tool calls suppressed")); err != nil {
		return fmt.Errorf("create duplicates counter: %w", err)
	}
	if d.failures, err = meter.Int64Counter("loqa.live.tools.failures", metric.WithDescription("Tool calls that degraded to a fail-soft result")); err != nil {
		return fmt.Errorf("create failures counter: %w", err)
	}
	if d.latency, err = meter.Float64Histogram("loqa.live.tools.latency", metric.WithUnit("ms"), metric.WithDescription("Tool call latency")); err != nil {
		return fmt.Errorf("create latency histogram: %w", err)
	}
	gauge, err := meter.Int64ObservableGauge("loqa.live.tools.inflight", metric.WithDescription("Tool calls in flight"))
	if err != nil {
		return fmt.Errorf("create inflight gauge: %w", err)
	}
	d.gaugeReg, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(d.InFlight()))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register inflight gauge: %w", err)
	}
	return nil
}

// Dispatch starts the call unless its id has been seen. It never blocks on
// the provider and reports whether the call was accepted.
func (d *Dispatcher) Dispatch(call Call) bool {
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return false
	}
	if _, busy := d.inflight[call.ID]; busy || d.done.Contains(call.ID) {
		d.mu.Unlock()
		d.duplicates.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tool", call.Name)))
		d.log.Debug("duplicate tool call suppressed", slog.String("call_id", call.ID), slog.String("tool", call.Name))
		return false
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	d.inflight[call.ID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		d.execute(ctx, call)
	}()
	return true
}

func (d *Dispatcher) execute(ctx context.Context, call Call) {
	ctx, span := d.tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	result, draft, ok := d.run(ctx, call)
	elapsed := float64(time.Since(start).Milliseconds())

	attrs := metric.WithAttributes(attribute.String("tool", call.Name))
	d.dispatched.Add(context.Background(), 1, attrs)
	d.latency.Record(context.Background(), elapsed, attrs)
	if !ok {
		d.failures.Add(context.Background(), 1, attrs)
		span.SetStatus(codes.Error, draft.Text)
	}

	d.mu.Lock()
	_, live := d.inflight[call.ID]
	delete(d.inflight, call.ID)
	d.done.Add(call.ID, d.turn)
	d.mu.Unlock()

	// Cancelled by the server or by Close: the outcome is discarded.
	if !live || d.ctx.Err() != nil {
		d.log.Debug("tool result discarded", slog.String("call_id", call.ID))
		return
	}
	d.sink(result, draft)
}

func (d *Dispatcher) run(ctx context.Context, call Call) (Result, msglog.Draft, bool) {
	result := Result{CallID: call.ID, Name: call.Name}
	switch call.Name {
	case NameSearch:
		query := stringArg(call.Args, "query")
		out, ok := d.search(ctx, query)
		result.Response = map[string]any{"result": out.Text}
		meta := &msglog.Metadata{Type: msglog.MediaSearch, Sources: out.Sources}
		if !ok {
			meta.Error = out.Text
		}
		return result, msglog.Draft{Role: msglog.RoleModel, Text: out.Text, Metadata: meta}, ok
	case NameGenerateImage:
		prompt := stringArg(call.Args, "prompt")
		out := d.GenerateImage(ctx, prompt)
		return imageResult(result, msglog.MediaImageGen, "Generated image: "+prompt, out)
	case NameReimagineImage:
		prompt := stringArg(call.Args, "prompt")
		var out ImageOutcome
		src, err := d.latestFrame()
		if err != nil {
			out = ImageOutcome{Error: noCameraFrame}
		} else {
			out = d.ReimagineImage(ctx, src, prompt)
		}
		return imageResult(result, msglog.MediaReimagine, "Reimagined camera view: "+prompt, out)
	default:
		d.log.Warn("unknown tool requested", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		result.Response = map[string]any{"error": unknownToolMessage}
		return result, msglog.Draft{
			Role: msglog.RoleModel,
			Text: fmt.Sprintf("%s (%s)", unknownToolMessage, call.Name),
		}, false
	}
}

func imageResult(result Result, kind msglog.MediaType, text string, out ImageOutcome) (Result, msglog.Draft, bool) {
	meta := &msglog.Metadata{Type: kind}
	if out.Image == nil {
		meta.Error = out.Error
		result.Response = map[string]any{"error": out.Error}
		return result, msglog.Draft{Role: msglog.RoleModel, Text: out.Error, Metadata: meta}, false
	}
	meta.Image = out.Image
	result.Response = map[string]any{"result": "Image displayed to the user."}
	return result, msglog.Draft{Role: msglog.RoleModel, Text: text, Metadata: meta}, true
}

func (d *Dispatcher) latestFrame() (capability.Image, error) {
	if d.frame == nil {
		return capability.Image{}, ErrNoFrame
	}
	img, err := d.frame()
	if err != nil {
		return capability.Image{}, err
	}
	if len(img.Data) == 0 {
		return capability.Image{}, ErrNoFrame
	}
	return img, nil
}

// Search never fails: provider errors become an apology with no sources.
func (d *Dispatcher) Search(ctx context.Context, query string) SearchOutcome {
	out, _ := d.search(ctx, query)
	return out
}

func (d *Dispatcher) search(ctx context.Context, query string) (SearchOutcome, bool) {
	res, err := d.provider.Search(ctx, query)
	if err != nil {
		d.log.Warn("search failed", slog.String("query", query), slogError(err))
		return SearchOutcome{Text: searchApology, Sources: []capability.GroundingSource{}}, false
	}
	sources := capability.UniqueSources(res.Sources)
	return SearchOutcome{Text: res.Text, Sources: sources}, true
}

// GenerateImage never fails: the reason is carried in the outcome.
func (d *Dispatcher) GenerateImage(ctx context.Context, prompt string) ImageOutcome {
	img, err := d.provider.GenerateImage(ctx, prompt)
	return d.imageOutcome("image generation failed", generateFailed, img, err)
}

// ReimagineImage never fails: the reason is carried in the outcome.
func (d *Dispatcher) ReimagineImage(ctx context.Context, source capability.Image, prompt string) ImageOutcome {
	img, err := d.provider.ReimagineImage(ctx, source, prompt)
	return d.imageOutcome("image reimagine failed", reimagineFailed, img, err)
}

func (d *Dispatcher) imageOutcome(logMsg, failure string, img capability.Image, err error) ImageOutcome {
	switch {
	case errors.Is(err, capability.ErrNoImageData):
		return ImageOutcome{Error: noImageData}
	case err != nil:
		d.log.Warn(logMsg, slogError(err))
		return ImageOutcome{Error: failure}
	case len(img.Data) == 0:
		return ImageOutcome{Error: noImageData}
	}
	return ImageOutcome{Image: &img}
}

// Cancel abandons in-flight calls the server withdrew. Their ids stay known
// so a retransmission is still suppressed.
func (d *Dispatcher) Cancel(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := d.inflight[id]; ok {
			cancel()
			delete(d.inflight, id)
			d.done.Add(id, d.turn)
			d.log.Debug("tool call cancelled", slog.String("call_id", id))
		}
	}
}

// EndTurn advances the turn counter and forgets ids completed before the
// previous turn.
func (d *Dispatcher) EndTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turn++
	for _, id := range d.done.Keys() {
		completed, ok := d.done.Peek(id)
		if ok && completed+2 <= d.turn {
			d.done.Remove(id)
		}
	}
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Abandon cancels every in-flight call without waiting for providers to
// return. Calls that finish afterwards are discarded.
func (d *Dispatcher) Abandon() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	d.cancel()
	if d.gaugeReg != nil {
		_ = d.gaugeReg.Unregister()
	}
}

// Close abandons in-flight calls and waits for their goroutines to exit.
func (d *Dispatcher) Close() {
	d.Abandon()
	d.wg.Wait()
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
