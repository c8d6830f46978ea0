package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/translate"
)

// outcome is the result class of one upstream attempt. The selection loop is
// a plain loop over these; no error-driven control flow.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFail
)

// selectKey runs pool selection for the plan, converting a refused cache
// owner into an unbound retry against the open pool.
func (d *Dispatcher) selectKey(ctx context.Context, p *plan) (*keypool.Selection, error) {
	sel, err := d.pool.Select(keypool.Request{
		Model:                p.model,
		Credential:           p.credential,
		EstimatedInputTokens: p.estimate,
		CacheOwnerID:         ownerID(p),
	})
	if err != nil {
		var ownerErr *keypool.CacheOwnerError
		if errors.As(err, &ownerErr) {
			d.unbind(ctx, p)
			return d.selectKey(ctx, p)
		}
		return nil, err
	}

	mode := "fresh"
	switch {
	case sel.CacheOwner:
		mode = "cache_owner"
	case sel.Sticky:
		mode = "sticky"
	}
	d.metrics.KeySelections.WithLabelValues(mode).Inc()
	for _, s := range sel.Screened {
		slog.LogAttrs(ctx, slog.LevelDebug, "key screened",
			slog.String("key_id", s.KeyID),
			slog.String("reason", string(s.Reason)))
	}
	return sel, nil
}

func ownerID(p *plan) string {
	if p.handle == nil {
		return ""
	}
	return p.handle.OwningKeyID
}

// settleFailure applies the key-state transition for a failed attempt and
// classifies it as retryable or terminal. Caller cancellation never mutates
// key state; the input estimate is still charged because the upstream had
// begun processing.
func (d *Dispatcher) settleFailure(ctx context.Context, p *plan, keyID string, err error) outcome {
	d.metrics.UpstreamErrors.WithLabelValues(errKind(err)).Inc()

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if p.tracked {
			d.tracker.RecordRequest(keyID, p.model, p.estimate, d.now())
		}
		return outcomeFail
	case errors.Is(err, proxy.ErrQuotaExhausted):
		d.pool.MarkExhausted(keyID)
		return outcomeRetry
	case errors.Is(err, proxy.ErrKeyRejected):
		d.pool.MarkDisabled(ctx, keyID, disableReason(err))
		return outcomeRetry
	case errors.Is(err, proxy.ErrUpstreamTransient), errors.Is(err, proxy.ErrUpstreamTimeout):
		d.pool.MarkCooldown(keyID)
		return outcomeRetry
	default:
		// Semantic rejections and anything unclassified surface unchanged;
		// another key would fail the same way.
		return outcomeFail
	}
}

// settleSuccess records usage and advances key state after a completed
// exchange. Cached-prefix tokens stay out of the input charge: the upstream
// does not re-bill them.
func (d *Dispatcher) settleSuccess(ctx context.Context, p *plan, keyID string, u *proxy.Usage) {
	input := p.estimate
	output := 0
	if u != nil {
		input = u.PromptTokens
		if u.PromptTokensDetails != nil {
			input -= u.PromptTokensDetails.CachedTokens
		}
		if input < 0 {
			input = 0
		}
		output = u.CompletionTokens
	}
	if p.tracked {
		d.tracker.RecordRequest(keyID, p.model, input, d.now())
		if output > 0 {
			d.tracker.RecordOutput(keyID, p.model, output)
		}
	}
	d.metrics.TokensProcessed.WithLabelValues(p.model, "input").Add(float64(input))
	d.metrics.TokensProcessed.WithLabelValues(p.model, "output").Add(float64(output))
	d.pool.MarkSuccess(ctx, keyID, p.credential)
}

// dispatchUnary runs the selection loop for a non-streaming call and returns
// the raw native response plus the serving key.
func (d *Dispatcher) dispatchUnary(ctx context.Context, p *plan) ([]byte, *proxy.UpstreamKey, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		sel, err := d.selectKey(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		key := sel.Key

		start := d.now()
		data, err := d.upstream.GenerateContent(ctx, key, p.model, p.body)
		if err == nil {
			d.metrics.UpstreamDuration.WithLabelValues(p.model, "success").Observe(d.now().Sub(start).Seconds())
			d.settleSuccess(ctx, p, key.ID, translate.UsageFromNative(data))
			return data, key, nil
		}
		d.metrics.UpstreamDuration.WithLabelValues(p.model, "error").Observe(d.now().Sub(start).Seconds())

		lastErr = err
		switch d.settleFailure(ctx, p, key.ID, err) {
		case outcomeRetry:
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed, rotating",
				slog.Int("attempt", attempt+1),
				slog.String("key_id", key.ID),
				slog.String("kind", errKind(err)),
				slog.String("error", err.Error()))
		default:
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

// streamRelay adapts one outbound wire shape to the shared streaming loop.
// A fresh relay is built per attempt; retry is only possible before the
// upstream stream opens.
type streamRelay interface {
	// OnEvent translates one upstream event and writes it to the client.
	OnEvent(data []byte) error
	// OnFinish flushes terminal output after a clean upstream end.
	OnFinish() error
	// Reply returns the accumulated model reply text.
	Reply() string
	// Usage returns the final usage block, when the upstream reported one.
	Usage() *proxy.Usage
}

// dispatchStream runs the selection loop for a streaming call. Once a stream
// opens, the attempt is committed: mid-stream failures propagate as-is with
// no rotation and no cooldown, because delivered bytes cannot be retracted.
func (d *Dispatcher) dispatchStream(ctx context.Context, p *plan, mk func() streamRelay) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		sel, err := d.selectKey(ctx, p)
		if err != nil {
			return err
		}
		key := sel.Key

		events, err := d.upstream.StreamGenerateContent(ctx, key, p.model, p.body)
		if err != nil {
			lastErr = err
			switch d.settleFailure(ctx, p, key.ID, err) {
			case outcomeRetry:
				slog.LogAttrs(ctx, slog.LevelWarn, "stream open failed, rotating",
					slog.Int("attempt", attempt+1),
					slog.String("key_id", key.ID),
					slog.String("kind", errKind(err)))
				continue
			default:
				return err
			}
		}

		// The upstream has begun processing; charge the input estimate now
		// so aborted streams never under-report.
		if p.tracked {
			d.tracker.RecordRequest(key.ID, p.model, p.estimate, d.now())
		}
		return d.pipeStream(ctx, p, key, events, mk())
	}
	return lastErr
}

// pipeStream forwards upstream events through the relay until the channel
// closes, then settles the exchange.
func (d *Dispatcher) pipeStream(ctx context.Context, p *plan, key *proxy.UpstreamKey, events <-chan proxy.StreamEvent, relay streamRelay) error {
	d.metrics.StreamsActive.Inc()
	defer d.metrics.StreamsActive.Dec()
	start := d.now()

	for ev := range events {
		if ev.Err != nil {
			d.metrics.UpstreamDuration.WithLabelValues(p.model, "error").Observe(d.now().Sub(start).Seconds())
			d.metrics.UpstreamErrors.WithLabelValues(errKind(ev.Err)).Inc()
			return ev.Err
		}
		if err := relay.OnEvent(ev.Data); err != nil {
			// Client write failed; drain is pointless, the context cancel
			// tears down the upstream read.
			d.metrics.UpstreamDuration.WithLabelValues(p.model, "client_gone").Observe(d.now().Sub(start).Seconds())
			return err
		}
	}

	if err := relay.OnFinish(); err != nil {
		d.metrics.UpstreamDuration.WithLabelValues(p.model, "client_gone").Observe(d.now().Sub(start).Seconds())
		return err
	}
	d.metrics.UpstreamDuration.WithLabelValues(p.model, "success").Observe(d.now().Sub(start).Seconds())

	// Input was charged at open; settle output and key state now.
	output := 0
	if u := relay.Usage(); u != nil {
		output = u.CompletionTokens
	}
	if p.tracked && output > 0 {
		d.tracker.RecordOutput(key.ID, p.model, output)
	}
	d.metrics.TokensProcessed.WithLabelValues(p.model, "input").Add(float64(p.estimate))
	d.metrics.TokensProcessed.WithLabelValues(p.model, "output").Add(float64(output))
	d.pool.MarkSuccess(ctx, key.ID, p.credential)

	if d.cfg.StreamSaveReply {
		d.saveContext(ctx, p, relay.Reply())
	}
	d.maybeCreateCache(ctx, p, key, relay.Reply())
	return nil
}

// accumulate builds the reply text across stream events for persistence.
type accumulate struct {
	b strings.Builder
}

func (a *accumulate) add(data []byte) {
	a.b.WriteString(translate.ResponseText(data))
}

func (a *accumulate) String() string { return a.b.String() }
