package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/clipjoint/renderd/internal/models"
	"github.com/clipjoint/renderd/internal/orchestrator"
)

const (
	// progressWriteWait bounds every websocket write.
	progressWriteWait = 10 * time.Second
	// progressReadLimit caps client command frames; they are single words.
	progressReadLimit = 512
	// maxHeartbeatFailures is how many consecutive ping failures close the
	// connection.
	maxHeartbeatFailures = 3
)

// ProgressHandler streams export progress over a websocket. Each
// connection attaches to one job: a snapshot is sent on attach, then the
// worker's progress records are relayed verbatim in emission order.
// Client disconnects never abort the job.
type ProgressHandler struct {
	orc               *orchestrator.Service
	log               *slog.Logger
	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(orc *orchestrator.Service, log *slog.Logger) *ProgressHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ProgressHandler{
		orc: orc,
		log: log.With(slog.String("component", "progress-ws")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		heartbeatInterval: 10 * time.Second,
	}
}

// SetHeartbeatInterval overrides the server ping interval (for testing).
func (h *ProgressHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterWebsocket registers the progress endpoint on a chi router.
// This is separate from the huma API because the endpoint upgrades the
// connection instead of answering with a document.
func (h *ProgressHandler) RegisterWebsocket(router chi.Router) {
	router.Get("/export/progress/{id}", h.handleProgress)
}

// statusRecord is the snapshot frame. The type field keeps it
// distinguishable from the worker's progress and error records.
type statusRecord struct {
	Type string            `json:"type"`
	Job  ExportJobResponse `json:"job"`
}

// handleProgress upgrades the connection and relays one job's events.
func (h *ProgressHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Attach before upgrading: an unknown job answers with a plain 404,
	// and events fired during the handshake buffer in the subscriber.
	snapshot, sub, err := h.orc.Subscribe(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			http.Error(w, "export job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to attach to export job", http.StatusInternalServerError)
		return
	}
	defer h.orc.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.log.Warn("websocket upgrade failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(progressReadLimit)

	if err := h.writeSnapshot(conn, snapshot); err != nil {
		return
	}

	done := make(chan struct{})
	commands := make(chan string, 4)
	go h.readLoop(conn, commands, done)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	events := sub.Events
	failures := 0
	for {
		select {
		case <-done:
			return

		case cmd := <-commands:
			switch cmd {
			case "ping":
				if err := h.writeText(conn, []byte("pong")); err != nil {
					return
				}
			case "status":
				job, err := h.orc.Get(r.Context(), id)
				if err != nil {
					h.log.Warn("status snapshot failed",
						slog.String("job_id", id),
						slog.String("error", err.Error()))
					continue
				}
				if err := h.writeSnapshot(conn, job); err != nil {
					return
				}
			default:
				// Unknown commands are ignored; the protocol may grow.
			}

		case ev, ok := <-events:
			if !ok {
				// Job finished and the hub closed the stream. The
				// terminal record was already relayed; stay attached so
				// ping and status keep answering until the client leaves.
				events = nil
				continue
			}
			if err := h.writeText(conn, ev.Raw); err != nil {
				return
			}

		case <-heartbeat.C:
			deadline := time.Now().Add(progressWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				failures++
				if failures >= maxHeartbeatFailures {
					h.log.Debug("closing connection after failed heartbeats",
						slog.String("job_id", id),
						slog.Int("failures", failures))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// readLoop consumes client frames until the peer disconnects. Commands are
// forwarded to the writer; a command arriving faster than the writer can
// answer is dropped rather than blocking the read side.
func (h *ProgressHandler) readLoop(conn *websocket.Conn, commands chan<- string, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd := strings.Trim(strings.TrimSpace(string(data)), `"`)
		select {
		case commands <- cmd:
		default:
		}
	}
}

// writeSnapshot sends the job state as a status record.
func (h *ProgressHandler) writeSnapshot(conn *websocket.Conn, job *models.ExportJob) error {
	payload, err := json.Marshal(statusRecord{Type: "status", Job: ExportJobFromModel(job)})
	if err != nil {
		return err
	}
	return h.writeText(conn, payload)
}

// writeText writes one text frame under the write deadline.
func (h *ProgressHandler) writeText(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
