package orchestrator

import "encoding/json"

// WorkerEvent is one newline-delimited JSON record read from a worker's
// stdout. Progress and error records share this shape; Type discriminates.
// Raw holds the line exactly as the worker emitted it so subscribers
// receive the record unaltered.
type WorkerEvent struct {
	Type            string  `json:"type"`
	Stage           string  `json:"stage,omitempty"`
	Message         string  `json:"message,omitempty"`
	Progress        float64 `json:"progress,omitempty"`
	CurrentStep     int     `json:"current_step,omitempty"`
	TotalSteps      int     `json:"total_steps,omitempty"`
	Detail          string  `json:"detail,omitempty"`
	ETASeconds      int64   `json:"eta_seconds,omitempty"`
	ETAFormatted    string  `json:"eta_formatted,omitempty"`
	ProcessingSpeed string  `json:"processing_speed,omitempty"`
	FFmpegProgress  float64 `json:"ffmpeg_progress,omitempty"`

	Raw json.RawMessage `json:"-"`
}

const (
	eventProgress = "progress"
	eventError    = "error"
)

// parseEvent decodes a worker stdout line, keeping the original bytes.
func parseEvent(line []byte) (WorkerEvent, error) {
	var ev WorkerEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return WorkerEvent{}, err
	}
	ev.Raw = append(json.RawMessage(nil), line...)
	return ev, nil
}

// errorEvent builds a synthetic error record for failures the worker could
// not report itself (killed, crashed before emitting).
func errorEvent(message string) WorkerEvent {
	ev := WorkerEvent{Type: eventError, Message: message}
	ev.Raw, _ = json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{eventError, message})
	return ev
}
