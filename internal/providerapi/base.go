package providerapi

import "context"

// Unbatchable is embedded by adapters that don't support batch
// inference, returning the typed "unsupported" error spec.md §4.4 asks
// for instead of requiring every adapter to repeat the same stub.
type Unbatchable struct{}

func (Unbatchable) StartBatchInference(ctx context.Context, reqs []*Request, credential string) (*BatchHandle, error) {
	return nil, ErrUnsupported
}

func (Unbatchable) PollBatchInference(ctx context.Context, handle *BatchHandle, credential string) (*BatchPoll, error) {
	return nil, ErrUnsupported
}
