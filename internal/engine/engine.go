// Package engine implements the Inference Engine (spec.md §4.7): the
// top-level per-request pipeline that validates input, renders
// templates, selects a variant, routes the call through the Model
// Router, and records an observability row — without blocking the
// caller's response on that write.
//
// Grounded on the teacher's pkg/proxy/handler.go Infer/InferStream
// top-level orchestration (timeout wrapping, metrics recorded around
// the call, streaming tee into cache); generalised here to the
// validate/render/select/route/record shape spec.md §4.7 requires,
// split across internal/router (provider fallback) and this package
// (function/variant-level orchestration), per spec.md's two-layer
// Router/Engine split.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/config"
	"github.com/tensorzero/inference-gateway/internal/id"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/router"
	"github.com/tensorzero/inference-gateway/internal/schema"
	"github.com/tensorzero/inference-gateway/internal/template"
	"github.com/tensorzero/inference-gateway/internal/variant"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Recorder is the Observability Sink contract the Engine needs: enqueue
// one row for a named table without blocking the caller. Satisfied by
// *observability.Sink; kept as an interface here so engine tests don't
// need a real batching writer.
type Recorder interface {
	Enqueue(table string, row any)
}

// Params are the caller-supplied inputs to one inference call.
type Params struct {
	FunctionName string
	// EpisodeID groups this inference with others in the same
	// conversation/task; a fresh one is minted when empty.
	EpisodeID id.ID
	Input     template.Input
	// Variant pins a specific variant name; empty means let the
	// Variant Selector choose.
	Variant  string
	Internal bool
	Tags     map[string]string
	DryRun   bool

	CredentialOverrides map[string]string
	Cache               router.CacheOptions
}

// Result is the outcome of a non-streaming inference.
type Result struct {
	InferenceID id.ID
	EpisodeID   id.ID
	VariantName string
	ModelName   string
	Response    *providerapi.Response
	Cached      bool
}

// StreamResult is the outcome of a streaming inference.
type StreamResult struct {
	InferenceID id.ID
	EpisodeID   id.ID
	VariantName string
	ModelName   string
	FirstChunk  *providerapi.Chunk
	Events      <-chan providerapi.StreamEvent
	Cached      bool
}

// Engine ties together the per-request pipeline's collaborators.
type Engine struct {
	functions map[string]config.FunctionDef
	models    map[string]router.ModelConfig

	router    *router.Router
	selector  *variant.Selector
	renderer  *template.Renderer
	validator *schema.Validator
	sink      Recorder
	logger    *zap.Logger
}

func New(functions map[string]config.FunctionDef, models map[string]router.ModelConfig, r *router.Router, sink Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		functions: functions,
		models:    models,
		router:    r,
		selector:  variant.New(),
		renderer:  template.New(),
		validator: schema.New(),
		sink:      sink,
		logger:    logger,
	}
}

// WithEpisodePins swaps in a custom variant.EpisodePins store (e.g. one
// shared across process restarts).
func (e *Engine) WithEpisodePins(pins variant.EpisodePins) *Engine {
	e.selector = e.selector.WithEpisodePins(pins)
	return e
}

// resolved bundles everything Infer/InferStream need after the shared
// validate→render→select steps, so both entry points do that work once.
type resolved struct {
	fn          config.FunctionDef
	variantName string
	vd          config.VariantDef
	model       router.ModelConfig
	req         *providerapi.Request
	episodeID   id.ID
	inferenceID id.ID
}

func (e *Engine) prepare(params Params) (*resolved, error) {
	fn, ok := e.functions[params.FunctionName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "engine: unknown function \""+params.FunctionName+"\"")
	}

	if fn.InputSchemaPath != "" {
		instance := inputInstance(params.Input)
		if err := e.validator.Validate(fn.InputSchemaPath, instance); err != nil {
			return nil, err
		}
	}

	episodeID := params.EpisodeID
	if episodeID.IsNil() {
		minted, err := id.New()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, err, "engine: could not mint episode id")
		}
		episodeID = minted
	}
	inferenceID, err := id.New()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "engine: could not mint inference id")
	}

	variantName, err := e.selector.Select(fn.Variants, variant.SelectParams{
		FunctionName:  fn.Name,
		EpisodeID:     episodeID.String(),
		PinnedVariant: params.Variant,
		Internal:      params.Internal,
	})
	if err != nil {
		return nil, err
	}
	vd, ok := fn.VariantDetails[variantName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInternal, "engine: selected variant \""+variantName+"\" has no resolved config")
	}
	model, ok := e.models[vd.ModelName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInternal, "engine: variant \""+variantName+"\" references unconfigured model \""+vd.ModelName+"\"")
	}

	system, messages, err := e.renderer.RenderInput(template.VariantTemplates{
		SystemPath:    vd.SystemTemplatePath,
		UserPath:      vd.UserTemplatePath,
		AssistantPath: vd.AssistantTemplatePath,
	}, params.Input)
	if err != nil {
		return nil, err
	}

	functionType := providerapi.FunctionTypeChat
	if fn.Type == string(providerapi.FunctionTypeJSON) {
		functionType = providerapi.FunctionTypeJSON
	}

	req := &providerapi.Request{
		System:       system,
		Messages:     messages,
		Temperature:  vd.Temperature,
		TopP:         vd.TopP,
		MaxTokens:    vd.MaxTokens,
		Seed:         vd.Seed,
		FunctionType: functionType,
		JSONMode:     providerapi.JSONMode(vd.JSONMode),
	}

	return &resolved{fn: fn, variantName: variantName, vd: vd, model: model, req: req, episodeID: episodeID, inferenceID: inferenceID}, nil
}

// Infer runs the full non-streaming pipeline.
func (e *Engine) Infer(ctx context.Context, params Params) (*Result, error) {
	r, err := e.prepare(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := e.router.Infer(ctx, r.model, r.req, router.InferOptions{
		CredentialOverrides: params.CredentialOverrides,
		Cache:               params.Cache,
	})
	if err != nil {
		if !params.DryRun {
			e.recordFailure(r, params, err, time.Since(start))
		}
		return nil, err
	}

	if r.fn.OutputSchemaPath != "" && r.fn.Type == string(providerapi.FunctionTypeJSON) {
		if err := e.validateOutput(r.fn.OutputSchemaPath, out.Response); err != nil {
			return nil, err
		}
	}

	if !params.DryRun {
		e.recordSuccess(r, params, out.Response, out.Cached, time.Since(start))
	}

	return &Result{
		InferenceID: r.inferenceID,
		EpisodeID:   r.episodeID,
		VariantName: r.variantName,
		ModelName:   r.model.Name,
		Response:    out.Response,
		Cached:      out.Cached,
	}, nil
}

// InferStream runs the full streaming pipeline. The returned channel is
// tee'd so the final accumulated response can be recorded once the
// stream terminates, without the caller waiting on that write.
func (e *Engine) InferStream(ctx context.Context, params Params) (*StreamResult, error) {
	r, err := e.prepare(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := e.router.InferStream(ctx, r.model, r.req, router.InferOptions{
		CredentialOverrides: params.CredentialOverrides,
		Cache:               params.Cache,
	})
	if err != nil {
		if !params.DryRun {
			e.recordFailure(r, params, err, time.Since(start))
		}
		return nil, err
	}

	events := out.Events
	if !params.DryRun {
		events = e.recordOnDrain(r, params, out.FirstChunk, out.Events, start)
	}

	return &StreamResult{
		InferenceID: r.inferenceID,
		EpisodeID:   r.episodeID,
		VariantName: r.variantName,
		ModelName:   r.model.Name,
		FirstChunk:  out.FirstChunk,
		Events:      events,
		Cached:      out.Cached,
	}, nil
}

func (e *Engine) validateOutput(path string, resp *providerapi.Response) error {
	for _, block := range resp.Content {
		if block.Type != providerapi.BlockText {
			continue
		}
		var instance any
		if err := json.Unmarshal([]byte(block.Text), &instance); err != nil {
			return xerrors.Wrap(xerrors.KindInferenceServer, err, "engine: model output was not valid JSON")
		}
		return e.validator.Validate(path, instance)
	}
	return nil
}

// inputInstance projects a template.Input down to a plain map for
// schema validation, merging system and per-message arguments — the
// same arguments that feed template rendering are what the input schema
// describes (spec.md §4.7 step 2).
func inputInstance(in template.Input) map[string]any {
	out := make(map[string]any, len(in.SystemArgs)+1)
	for k, v := range in.SystemArgs {
		out[k] = v
	}
	messages := make([]map[string]any, 0, len(in.Messages))
	for _, m := range in.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "arguments": m.Args})
	}
	out["messages"] = messages
	return out
}
