package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/contextstore"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/translate"
)

// plan carries one validated request through the selection loop. It is built
// once per request and mutated only by unbind when a cache owner refuses.
type plan struct {
	model      string // normalized model id
	tracked    bool   // known to the limits registry
	credential string

	req      *translate.Request
	body     []byte
	estimate int // input tokens for pre-flight screening

	// cache binding
	cacheable    bool // this request may bind to or create cached content
	handle       *cachemeta.Handle
	fullContents []translate.Content // request contents before binding

	// context persistence
	contextOn      bool
	newTurns       []proxy.Turn // this request's own turns, history excluded
	effectiveLimit int          // token budget for stored conversation
}

// resolveModel normalizes the requested model and looks it up. Unknown models
// are forwarded untracked.
func (d *Dispatcher) resolveModel(ctx context.Context, requested string) (string, bool) {
	model := d.registry.Normalize(requested)
	_, tracked := d.registry.Lookup(model)
	if !tracked {
		slog.LogAttrs(ctx, slog.LevelWarn, "unknown model, forwarding untracked",
			slog.String("model", model))
	}
	return model, tracked
}

// effectiveLimit is the token budget for the stored conversation: the model's
// input window, capped by its per-minute input quota, minus the safety margin.
func (d *Dispatcher) effectiveLimit(model string) int {
	limit := d.registry.InputLimitFor(model)
	if ml, ok := d.registry.Lookup(model); ok && ml.TPMInput > 0 && ml.TPMInput < limit {
		limit = ml.TPMInput
	}
	limit -= d.cfg.SafetyMargin
	if limit < 0 {
		limit = 0
	}
	return limit
}

// buildChatPlan runs the pre-selection pipeline stages for an OpenAI-shape
// request: validate and translate, resolve the model, resolve cache binding,
// and load stored context.
func (d *Dispatcher) buildChatPlan(ctx context.Context, req *proxy.ChatRequest) (*plan, error) {
	credential, err := credentialFrom(ctx)
	if err != nil {
		return nil, err
	}
	treq, err := translate.FromOpenAI(req, translate.Options{DisableSafety: d.cfg.DisableSafety})
	if err != nil {
		return nil, err
	}

	p := &plan{credential: credential, req: treq}
	p.model, p.tracked = d.resolveModel(ctx, req.Model)
	p.effectiveLimit = d.effectiveLimit(p.model)

	d.resolveCache(ctx, p)
	if p.handle == nil {
		d.loadContext(ctx, p)
	}

	return p, p.finalize()
}

// buildNativePlan validates a native-shape request. Passthrough requests keep
// the caller's body semantics: no system flattening, no cache binding, no
// stored context.
func (d *Dispatcher) buildNativePlan(ctx context.Context, model string, body []byte) (*plan, error) {
	credential, err := credentialFrom(ctx)
	if err != nil {
		return nil, err
	}
	treq, err := translate.ParseNative(body)
	if err != nil {
		return nil, err
	}

	p := &plan{credential: credential, req: treq}
	p.model, p.tracked = d.resolveModel(ctx, model)
	p.effectiveLimit = d.effectiveLimit(p.model)
	return p, p.finalize()
}

// finalize marshals the outbound body and computes the pre-flight estimate.
func (p *plan) finalize() error {
	body, err := p.req.Marshal()
	if err != nil {
		return err
	}
	p.body = body
	p.estimate = translate.EstimateTokens(p.req)
	return nil
}

// cachePrefixHash fingerprints a conversation prefix for one model. The model
// id is part of the hash: upstream cached content is model-bound.
func cachePrefixHash(model string, prefix []translate.Content) string {
	payload := append([]byte(model), 0)
	payload = append(payload, translate.PrefixPayload(prefix)...)
	return proxy.HashContent(payload)
}

// resolveCache binds the request to a registered cache handle when the
// conversation prefix (everything before the newest user turn) matches one.
// Tool-carrying requests never bind: the upstream rejects cached content
// combined with tool declarations.
func (d *Dispatcher) resolveCache(ctx context.Context, p *plan) {
	if d.caches == nil || !d.cfg.CacheEnabled || p.req.Tools != nil {
		return
	}
	p.cacheable = true
	n := len(p.req.Contents)
	if n < 2 || p.req.Contents[n-1].Role != proxy.RoleUser {
		return
	}

	hash := cachePrefixHash(p.model, p.req.Contents[:n-1])
	h, err := d.caches.FindByContent(ctx, p.credential, hash)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache lookup failed",
			slog.String("error", err.Error()))
		return
	}
	if h == nil || h.OwningKeyID == "" {
		d.metrics.CacheMisses.Inc()
		return
	}

	p.handle = h
	p.fullContents = p.req.Contents
	p.req.Contents = p.req.Contents[n-1:]
	p.req.CachedContent = h.UpstreamID
	d.metrics.CacheHits.Inc()
}

// unbind drops a refused cache binding and restores the full request. The
// orphaned handle is expired so the sweeper can reclaim it.
func (d *Dispatcher) unbind(ctx context.Context, p *plan) {
	if p.handle == nil {
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "cache owner unavailable, retrying uncached",
		slog.String("handle", p.handle.ID),
		slog.String("owner", p.handle.OwningKeyID))
	if err := d.caches.Expire(ctx, p.handle.ID); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache handle expire failed",
			slog.String("handle", p.handle.ID),
			slog.String("error", err.Error()))
	}
	p.handle = nil
	p.req.Contents = p.fullContents
	p.req.CachedContent = ""
	if err := p.finalize(); err != nil {
		// Marshal succeeded before binding; contents are unchanged.
		slog.LogAttrs(ctx, slog.LevelError, "rebuild after unbind failed",
			slog.String("error", err.Error()))
	}
}

// loadContext merges the credential's stored conversation into the request
// when the serving keys advertise context completion. History is truncated
// oldest-pair-first to fit the effective limit alongside the new turns.
func (d *Dispatcher) loadContext(ctx context.Context, p *plan) {
	p.newTurns = translate.TurnsFromContents(p.req.Contents)
	if d.contexts == nil || !d.pool.ContextCompletionFor(p.credential) {
		return
	}
	p.contextOn = true

	history, err := d.contexts.Load(ctx, p.credential)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "context load failed",
			slog.String("error", err.Error()))
		return
	}
	if len(history) == 0 {
		return
	}

	budget := p.effectiveLimit - tokencount.EstimateTurns(p.newTurns)
	truncated, err := contextstore.Truncate(history, budget)
	if err != nil {
		// Even the newest stored pair does not fit; forward without history.
		if !errors.Is(err, contextstore.ErrPairTooLarge) {
			slog.LogAttrs(ctx, slog.LevelWarn, "context truncate failed",
				slog.String("error", err.Error()))
		}
		return
	}
	p.req.Contents = append(translate.ContentsFromTurns(truncated), p.req.Contents...)
}

// saveContext persists this exchange. Failure is logged, never surfaced: the
// response already succeeded.
func (d *Dispatcher) saveContext(ctx context.Context, p *plan, reply string) {
	if !p.contextOn || reply == "" || len(p.newTurns) == 0 {
		return
	}
	turns := append(append([]proxy.Turn{}, p.newTurns...),
		proxy.Turn{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart(reply)}})

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.contexts.Save(sctx, p.credential, turns, p.effectiveLimit); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, contextstore.ErrPairTooLarge) {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, "context save failed",
			slog.String("error", err.Error()))
	}
}
