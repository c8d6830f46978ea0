package app

import (
	"context"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/translate"
)

// NativeGenerateContent proxies a native-shape request with the caller's body
// semantics intact: validation and tool-call repair only, no flattening, no
// stored context, no cache binding.
func (d *Dispatcher) NativeGenerateContent(ctx context.Context, model string, body []byte) ([]byte, error) {
	p, err := d.buildNativePlan(ctx, model, body)
	if err != nil {
		return nil, err
	}
	data, _, err := d.dispatchUnary(ctx, p)
	if err != nil {
		return nil, err
	}
	return translate.Repair(data), nil
}

// NativeStreamGenerateContent proxies a native-shape streaming request,
// forwarding each upstream event to sink after tool-call repair.
func (d *Dispatcher) NativeStreamGenerateContent(ctx context.Context, model string, body []byte, sink StreamSink) error {
	p, err := d.buildNativePlan(ctx, model, body)
	if err != nil {
		return err
	}
	return d.dispatchStream(ctx, p, func() streamRelay {
		return &nativeRelay{sink: sink}
	})
}

// nativeRelay passes repaired native events through unchanged.
type nativeRelay struct {
	sink  StreamSink
	reply accumulate
	usage *proxy.Usage
}

func (r *nativeRelay) OnEvent(data []byte) error {
	r.reply.add(data)
	if u := translate.UsageFromNative(data); u != nil {
		r.usage = u
	}
	return r.sink(translate.Repair(data))
}

func (r *nativeRelay) OnFinish() error { return nil }

func (r *nativeRelay) Reply() string { return r.reply.String() }

func (r *nativeRelay) Usage() *proxy.Usage { return r.usage }
