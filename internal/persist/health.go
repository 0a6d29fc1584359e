package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const pollStaleAfter = 10 * time.Second

// SocketState reports whether the IPC listener is accepting connections.
type SocketState interface {
	Listening() bool
}

// Health serves the persistence process's liveness endpoint. Overall status
// is healthy when every component passes, degraded when the poller lags or
// the socket is down, unhealthy when storage is unreachable.
type Health struct {
	consumer *Consumer
	socket   SocketState
	storage  *sql.DB
	queueDB  *sql.DB
	started  time.Time
}

// NewHealth builds the health checker over the consumer, the IPC server
// and both databases.
func NewHealth(c *Consumer, socket SocketState, storage, queueDB *sql.DB) *Health {
	return &Health{
		consumer: c,
		socket:   socket,
		storage:  storage,
		queueDB:  queueDB,
		started:  time.Now(),
	}
}

type componentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	UptimeSec  int64                      `json:"uptime_sec"`
	Components map[string]componentStatus `json:"components"`
	Stats      Stats                      `json:"stats"`
}

// ServeHTTP implements GET /health.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		UptimeSec:  int64(time.Since(h.started).Seconds()),
		Components: map[string]componentStatus{},
		Stats:      h.consumer.Stats(),
	}

	degrade := func() {
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	if err := h.storage.Ping(); err != nil {
		resp.Components["storage"] = componentStatus{Status: "unhealthy", Detail: err.Error()}
		resp.Status = "unhealthy"
	} else {
		resp.Components["storage"] = componentStatus{Status: "healthy"}
	}

	if err := h.queueDB.Ping(); err != nil {
		resp.Components["queue"] = componentStatus{Status: "unhealthy", Detail: err.Error()}
		resp.Status = "unhealthy"
	} else {
		resp.Components["queue"] = componentStatus{Status: "healthy"}
	}

	if h.socket != nil && h.socket.Listening() {
		resp.Components["socket"] = componentStatus{Status: "healthy"}
	} else {
		// The queue path still drains while the socket is down, so this
		// degrades rather than fails the process.
		resp.Components["socket"] = componentStatus{Status: "degraded", Detail: "listener not accepting"}
		degrade()
	}

	lastPoll := resp.Stats.LastPollOKMS
	if lastPoll == 0 || time.Since(time.UnixMilli(lastPoll)) > pollStaleAfter {
		resp.Components["poller"] = componentStatus{Status: "degraded", Detail: "no recent successful poll"}
		degrade()
	} else {
		resp.Components["poller"] = componentStatus{Status: "healthy"}
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// RunHealthServer serves /health on addr until ctx is cancelled.
func RunHealthServer(ctx context.Context, addr string, h *Health) error {
	mux := http.NewServeMux()
	mux.Handle("/health", h)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[persist] health endpoint on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
