package viewer

import (
	"errors"
	"fmt"

	"livecam/internal/analysis"
	"livecam/internal/database"
	"livecam/internal/pipeline"
	"livecam/internal/ws"
)

// TimedOutMessage is shown when the analysis timer wins the race
const TimedOutMessage = "API call timed out."

// OutcomeMessage returns the user-facing text for a timed out or failed
// outcome and an empty string for a successful one. Failures name the API
// when the error is an API error response.
func OutcomeMessage(r *pipeline.Result[analysis.Result]) string {
	switch r.Outcome.Status {
	case pipeline.OutcomeTimedOut:
		return TimedOutMessage
	case pipeline.OutcomeFailed:
		apiName := ""
		message := "unknown error"
		if r.Outcome.Err != nil {
			message = r.Outcome.Err.Error()
		}
		var apiErr *analysis.APIError
		if errors.As(r.Outcome.Err, &apiErr) {
			apiName = apiErr.API
			message = apiErr.Message
		}
		var index uint64
		if r.Frame != nil {
			index = r.Frame.Metadata.Index
		}
		return fmt.Sprintf("%s API call failed on frame %d. Exception: %s", apiName, index, message)
	default:
		return ""
	}
}

// ResultToMessage converts a result to its WebSocket and MQTT form. Faces
// keep the coordinates of the analyzed frame.
func ResultToMessage(r *pipeline.Result[analysis.Result]) *ws.ResultMessage {
	var sourceID string
	var index uint64
	if r.Frame != nil {
		sourceID = r.Frame.Metadata.SourceID
		index = r.Frame.Metadata.Index
	}

	msg := ws.NewResultMessage(sourceID, index, string(r.Outcome.Status))
	msg.LatencyMs = float32(r.Outcome.Latency().Microseconds()) / 1000
	msg.FrameWidth = r.Frame.Width()
	msg.FrameHeight = r.Frame.Height()
	msg.Message = OutcomeMessage(r)

	if r.Outcome.Succeeded() {
		for _, f := range r.Outcome.Value.Faces {
			msg.AddFace(f.Rect.Left, f.Rect.Top, f.Rect.Width, f.Rect.Height, f.Label, f.Confidence, f.Attributes, false)
		}
		if tags := r.Outcome.Value.TagNames(); len(tags) > 0 {
			msg.Tags = tags
		}
	}
	return msg
}

// OutcomeRecord converts a result to a journal row
func OutcomeRecord(sessionID string, r *pipeline.Result[analysis.Result]) *database.OutcomeRecord {
	rec := &database.OutcomeRecord{
		SessionID:   sessionID,
		Status:      string(r.Outcome.Status),
		SubmittedAt: r.Outcome.SubmittedAt,
		CompletedAt: r.Outcome.CompletedAt,
		LatencyMs:   float64(r.Outcome.Latency().Microseconds()) / 1000,
	}
	if r.Frame != nil {
		rec.SourceID = r.Frame.Metadata.SourceID
		rec.FrameIndex = r.Frame.Metadata.Index
		rec.FrameTime = r.Frame.Metadata.Timestamp
	}

	switch r.Outcome.Status {
	case pipeline.OutcomeSucceeded:
		for _, f := range r.Outcome.Value.Faces {
			rec.Regions = append(rec.Regions, database.RegionRecord{
				X:          f.Rect.Left,
				Y:          f.Rect.Top,
				Width:      f.Rect.Width,
				Height:     f.Rect.Height,
				Label:      f.Label,
				Confidence: f.Confidence,
				Attributes: f.Attributes,
			})
		}
		rec.Tags = r.Outcome.Value.TagNames()
	case pipeline.OutcomeTimedOut:
		rec.Error = pipeline.ErrAnalysisTimedOut.Error()
	case pipeline.OutcomeFailed:
		if r.Outcome.Err != nil {
			rec.Error = r.Outcome.Err.Error()
		}
	}
	return rec
}
