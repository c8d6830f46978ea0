package app

import (
	"context"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/translate"
)

func completionID() string {
	return "chatcmpl-" + uuid.Must(uuid.NewV7()).String()
}

// ChatCompletion serves one OpenAI-shape request end to end and returns the
// translated response.
func (d *Dispatcher) ChatCompletion(ctx context.Context, req *proxy.ChatRequest) (*proxy.ChatResponse, error) {
	p, err := d.buildChatPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	data, key, err := d.dispatchUnary(ctx, p)
	if err != nil {
		return nil, err
	}

	data = translate.Repair(data)
	resp, err := translate.ToOpenAI(data, completionID(), p.model, d.now().Unix())
	if err != nil {
		return nil, err
	}

	reply := translate.ResponseText(data)
	d.saveContext(ctx, p, reply)
	d.maybeCreateCache(ctx, p, key, reply)
	return resp, nil
}

// ChatCompletionStream serves one OpenAI-shape streaming request, writing
// chat.completion.chunk payloads to sink. The terminal [DONE] sentinel is the
// transport's to write; an error returned after the first chunk means the
// stream died mid-flight and must be surfaced as-is.
func (d *Dispatcher) ChatCompletionStream(ctx context.Context, req *proxy.ChatRequest, sink StreamSink) error {
	p, err := d.buildChatPlan(ctx, req)
	if err != nil {
		return err
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	id := completionID()
	created := d.now().Unix()
	return d.dispatchStream(ctx, p, func() streamRelay {
		return &chatRelay{
			stream: translate.NewStream(id, p.model, created, includeUsage),
			sink:   sink,
		}
	})
}

// chatRelay translates native stream events into OpenAI chunks.
type chatRelay struct {
	stream *translate.Stream
	sink   StreamSink
	reply  accumulate
}

func (r *chatRelay) OnEvent(data []byte) error {
	r.reply.add(data)
	for _, chunk := range r.stream.Next(data) {
		if err := r.sink(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (r *chatRelay) OnFinish() error {
	for _, chunk := range r.stream.Finish() {
		if err := r.sink(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (r *chatRelay) Reply() string { return r.reply.String() }

func (r *chatRelay) Usage() *proxy.Usage { return r.stream.Usage() }
