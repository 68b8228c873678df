// Package together implements the providerapi.Provider contract for
// Together AI, whose Chat Completions endpoint is OpenAI-wire-compatible,
// reusing the shared internal/provider/openaifamily helpers.
package together

import (
	"context"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/tensorzero/inference-gateway/internal/provider/openaifamily"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

const defaultBaseURL = "https://api.together.xyz/v1"

type Adapter struct {
	providerapi.Unbatchable
	model string
	httpc *http.Client
}

func New(model string, httpc *http.Client) *Adapter {
	return &Adapter{model: model, httpc: httpc}
}

func (a *Adapter) Name() string { return "together" }

func (a *Adapter) client(credential string) openai.Client {
	return openaifamily.NewClient(credential, defaultBaseURL, nil, a.httpc)
}

func (a *Adapter) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	return openaifamily.Infer(ctx, a.client(credential), req, a.model)
}

func (a *Adapter) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	return openaifamily.InferStream(ctx, a.client(credential), req, a.model)
}
