// Package azure implements the providerapi.Provider contract for Azure
// OpenAI deployments, reusing the shared OpenAI-family wire translation
// (spec.md §9's "share code via free functions … reused by Azure,
// Together, Hyperbolic").
package azure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/tensorzero/inference-gateway/internal/provider/openaifamily"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

// Adapter is the Azure OpenAI provider. Azure addresses a deployment
// rather than a model name, and authenticates via an "api-key" header
// instead of a bearer token, so it is a thin reconfiguration of the
// shared client rather than a bearer-auth passthrough.
type Adapter struct {
	providerapi.Unbatchable
	deployment  string
	resource    string
	apiVersion  string
	httpc       *http.Client
}

func New(resource, deployment, apiVersion string, httpc *http.Client) *Adapter {
	if apiVersion == "" {
		apiVersion = "2024-06-01"
	}
	return &Adapter{resource: resource, deployment: deployment, apiVersion: apiVersion, httpc: httpc}
}

func (a *Adapter) Name() string { return "azure" }

func (a *Adapter) baseURL() string {
	return fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s", a.resource, a.deployment)
}

func (a *Adapter) client(credential string) openai.Client {
	headers := map[string]string{"api-key": credential}
	return openaifamily.NewClient(credential, a.baseURL(), headers, a.httpc)
}

func (a *Adapter) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	return openaifamily.Infer(ctx, a.client(credential), req, a.deployment)
}

func (a *Adapter) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	return openaifamily.InferStream(ctx, a.client(credential), req, a.deployment)
}
