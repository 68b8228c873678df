package engine

import (
	"time"

	"github.com/tensorzero/inference-gateway/internal/observability"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

func inferenceTable(functionType string) string {
	if functionType == string(providerapi.FunctionTypeJSON) {
		return observability.TableJSONInference
	}
	return observability.TableChatInference
}

func (e *Engine) recordSuccess(r *resolved, params Params, resp *providerapi.Response, cached bool, elapsed time.Duration) {
	e.sink.Enqueue(inferenceTable(r.fn.Type), observability.InferenceRow{
		ID:               r.inferenceID,
		EpisodeID:        r.episodeID,
		FunctionName:     r.fn.Name,
		VariantName:      r.variantName,
		Input:            inputInstance(params.Input),
		Output:           resp.Content,
		Tags:             params.Tags,
		ProcessingTimeMS: elapsed.Milliseconds(),
	})
	e.sink.Enqueue(observability.TableModelInference, observability.ModelInferenceRow{
		ID:           r.inferenceID,
		InferenceID:  r.inferenceID,
		ModelName:    r.model.Name,
		RawRequest:   resp.RawRequest,
		RawResponse:  resp.RawResponse,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LatencyMS:    resp.Latency.Total.Milliseconds(),
		TTFTMS:       resp.Latency.TimeToFirstToken.Milliseconds(),
	})
}

func (e *Engine) recordFailure(r *resolved, params Params, err error, elapsed time.Duration) {
	// A failed attempt never produced function-level output, but
	// spec.md §4.7 step 7 still requires a ModelInference row marking
	// the failure so the audit trail shows every attempt, not only
	// successful ones.
	e.sink.Enqueue(observability.TableModelInference, observability.ModelInferenceRow{
		ID:          r.inferenceID,
		InferenceID: r.inferenceID,
		ModelName:   r.model.Name,
		LatencyMS:   elapsed.Milliseconds(),
		Error:       err.Error(),
	})
}

// recordOnDrain forwards every stream event unchanged while also
// accumulating content, recording the inference only once the stream
// terminates — successfully or not — without blocking the caller on
// that write.
func (e *Engine) recordOnDrain(r *resolved, params Params, first *providerapi.Chunk, events <-chan providerapi.StreamEvent, start time.Time) <-chan providerapi.StreamEvent {
	out := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(out)

		var content []providerapi.ContentBlock
		var usage providerapi.Usage
		var finish providerapi.FinishReason
		var ttft time.Duration
		var streamErr error

		accumulate := func(c *providerapi.Chunk) {
			for _, delta := range c.Content {
				content = append(content, delta.Block)
			}
			if c.Usage != nil {
				usage = *c.Usage
			}
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}

		if first != nil {
			accumulate(first)
			ttft = time.Since(start)
			out <- providerapi.StreamEvent{Chunk: first}
		}

		for ev := range events {
			if ev.Chunk != nil {
				accumulate(ev.Chunk)
			}
			if ev.Err != nil {
				streamErr = ev.Err
			}
			out <- ev
			if ev.Done || ev.Err != nil {
				break
			}
		}

		elapsed := time.Since(start)
		if streamErr != nil {
			e.recordFailure(r, params, streamErr, elapsed)
			return
		}
		resp := &providerapi.Response{
			Content:      content,
			Usage:        usage,
			Latency:      providerapi.Latency{TimeToFirstToken: ttft, Total: elapsed},
			FinishReason: finish,
		}
		e.recordSuccess(r, params, resp, false, elapsed)
	}()
	return out
}
