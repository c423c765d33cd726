package streaming

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/stepflow/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Gateway serves hub channels over websocket:
//
//	/ws/executions/{workflow_id}   workflow:{id}:executions
//	/ws/execution/{execution_id}   execution:{id}
//	/ws/jobs                       jobs
//	/ws/jobs/{job_id}              job:{id}
//	/ws/users/{user_id}/jobs       user:{id}:jobs
type Gateway struct {
	hub      Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// base is cancelled by Close to end every open stream.
	base context.Context
	stop context.CancelFunc
}

// NewGateway builds the websocket routes over hub.
func NewGateway(hub Hub, logger *slog.Logger) *Gateway {
	g := &Gateway{
		hub:    hub,
		logger: logging.WithModule(logger, "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	g.base, g.stop = context.WithCancel(context.Background())
	g.mux.HandleFunc("GET /ws/executions/{workflow_id}", g.route(func(r *http.Request) string {
		return WorkflowExecutionsChannel(r.PathValue("workflow_id"))
	}))
	g.mux.HandleFunc("GET /ws/execution/{execution_id}", g.route(func(r *http.Request) string {
		return ExecutionChannel(r.PathValue("execution_id"))
	}))
	g.mux.HandleFunc("GET /ws/jobs", g.route(func(*http.Request) string { return ChannelJobs }))
	g.mux.HandleFunc("GET /ws/jobs/{job_id}", g.route(func(r *http.Request) string {
		return JobChannel(r.PathValue("job_id"))
	}))
	g.mux.HandleFunc("GET /ws/users/{user_id}/jobs", g.route(func(r *http.Request) string {
		return UserJobsChannel(r.PathValue("user_id"))
	}))
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Close disconnects every subscriber. Hijacked connections outlive http.Server.Shutdown.
func (g *Gateway) Close() {
	g.stop()
}

func (g *Gateway) route(channel func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := channel(r)
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		g.serve(conn, name)
	}
}

// serve pumps hub events to conn until either side goes away.
func (g *Gateway) serve(conn *websocket.Conn, channel string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(g.base)
	defer cancel()
	events, unsubscribe, err := g.hub.Subscribe(ctx, Filter{Channels: []string{channel}})
	if err != nil {
		return
	}
	defer unsubscribe()
	g.logger.DebugContext(ctx, "subscriber connected", slog.String("channel", channel))

	// The read loop only handles control frames and notices the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
