package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// ClickHouseWriter writes batches to ClickHouse over its HTTP interface
// using the JSONEachRow input format, matching how original_source
// talks to ClickHouse (an HTTP client, not a database/sql driver) — so
// nothing in this gateway opens a database/sql connection.
type ClickHouseWriter struct {
	baseURL    string
	httpClient *http.Client
}

func NewClickHouseWriter(baseURL string, httpClient *http.Client) *ClickHouseWriter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClickHouseWriter{baseURL: baseURL, httpClient: httpClient}
}

func (w *ClickHouseWriter) WriteBatch(ctx context.Context, table string, rows []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return xerrors.Wrap(xerrors.KindObservabilityWriteFailed, err, "clickhouse: could not encode row for "+table)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)
	endpoint := w.baseURL + "?" + url.Values{"query": {query}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return xerrors.Wrap(xerrors.KindObservabilityWriteFailed, err, "clickhouse: could not build insert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.KindObservabilityWriteFailed, err, "clickhouse: insert request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return xerrors.New(xerrors.KindObservabilityWriteFailed,
			fmt.Sprintf("clickhouse: insert into %s failed with status %d: %s", table, resp.StatusCode, string(body)))
	}
	return nil
}
