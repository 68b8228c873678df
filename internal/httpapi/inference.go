package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tensorzero/inference-gateway/internal/engine"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: /inference only accepts POST"))
		return
	}

	var req inferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, xerrors.Wrap(xerrors.KindInvalidRequest, err, "httpapi: malformed request body"))
		return
	}

	params, err := req.toParams()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if req.Stream {
		s.handleInferenceStream(w, r, req, params, start)
		return
	}

	result, err := s.engine.Infer(r.Context(), params)
	if err != nil {
		s.observeRequest("/inference", req.FunctionName, false, time.Since(start), err)
		writeError(w, s.logger, err)
		return
	}

	s.observeRequest("/inference", req.FunctionName, !req.Dryrun, time.Since(start), nil)
	writeJSON(w, http.StatusOK, req.toResult(result))
}

func (s *Server) handleInferenceStream(w http.ResponseWriter, r *http.Request, req inferenceRequest, params engine.Params, start time.Time) {
	streamResult, err := s.engine.InferStream(r.Context(), params)
	if err != nil {
		s.observeRequest("/inference", req.FunctionName, false, time.Since(start), err)
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("httpapi: response writer does not support flushing; SSE stream aborted")
		return
	}
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	inferenceID := streamResult.InferenceID.String()
	episodeID := streamResult.EpisodeID.String()

	if streamResult.FirstChunk != nil {
		writeSSEChunk(w, sseChunkFrom(inferenceID, episodeID, streamResult.FirstChunk))
		flusher.Flush()
	}

	for event := range streamResult.Events {
		if event.Err != nil {
			writeSSEError(w, inferenceID, episodeID, event.Err)
			flusher.Flush()
			s.observeRequest("/inference", req.FunctionName, false, time.Since(start), event.Err)
			return
		}
		writeSSEChunk(w, sseChunkFrom(inferenceID, episodeID, event.Chunk))
		flusher.Flush()
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
	s.observeRequest("/inference", req.FunctionName, !req.Dryrun, time.Since(start), nil)
}

func sseChunkFrom(inferenceID, episodeID string, chunk *providerapi.Chunk) sseChunk {
	deltas := make([]contentBlockJSON, 0, len(chunk.Content))
	for _, d := range chunk.Content {
		deltas = append(deltas, blockToJSON(d.Block))
	}
	out := sseChunk{InferenceID: inferenceID, EpisodeID: episodeID, Content: deltas}
	if chunk.Usage != nil {
		out.Usage = &usageJSON{InputTokens: chunk.Usage.InputTokens, OutputTokens: chunk.Usage.OutputTokens}
	}
	return out
}

func writeSSEChunk(w http.ResponseWriter, chunk sseChunk) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

func writeSSEError(w http.ResponseWriter, inferenceID, episodeID string, err error) {
	b, marshalErr := json.Marshal(sseErrorChunk{InferenceID: inferenceID, EpisodeID: episodeID, Error: err.Error()})
	if marshalErr != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

func (s *Server) observeRequest(endpoint, functionName string, success bool, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.requestDuration.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
	if success {
		s.metrics.requestsTotal.WithLabelValues(endpoint, functionName).Inc()
	}
}
