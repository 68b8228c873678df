package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tensorzero/inference-gateway/internal/feedback"
	"github.com/tensorzero/inference-gateway/internal/id"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

type feedbackRequestBody struct {
	EpisodeID   string `json:"episode_id,omitempty"`
	InferenceID string `json:"inference_id,omitempty"`
	MetricName  string `json:"metric_name"`
	Value       any    `json:"value"`
	Dryrun      bool   `json:"dryrun,omitempty"`
}

type feedbackResponseBody struct {
	FeedbackID string `json:"feedback_id"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: /feedback only accepts POST"))
		return
	}

	var body feedbackRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.logger, xerrors.Wrap(xerrors.KindInvalidRequest, err, "httpapi: malformed request body"))
		return
	}

	var episodeID, inferenceID id.ID
	var err error
	if body.EpisodeID != "" {
		if episodeID, err = id.Parse(body.EpisodeID); err != nil {
			writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: invalid episode_id"))
			return
		}
	}
	if body.InferenceID != "" {
		if inferenceID, err = id.Parse(body.InferenceID); err != nil {
			writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: invalid inference_id"))
			return
		}
	}

	result, err := s.feedback.Record(r.Context(), feedback.Params{
		EpisodeID:   episodeID,
		InferenceID: inferenceID,
		MetricName:  body.MetricName,
		Value:       body.Value,
		DryRun:      body.Dryrun,
	})
	if err != nil {
		s.observeRequest("/feedback", body.MetricName, false, time.Since(start), err)
		writeError(w, s.logger, err)
		return
	}

	s.observeRequest("/feedback", body.MetricName, !body.Dryrun, time.Since(start), nil)
	writeJSON(w, http.StatusOK, feedbackResponseBody{FeedbackID: result.FeedbackID.String()})
}
