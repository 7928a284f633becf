package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/events"
	"github.com/opforge/toolrun/runtime/orchestrator"
	"github.com/opforge/toolrun/runtime/prompt"
	"github.com/opforge/toolrun/runtime/toolerrors"
)

// apiServer exposes the execution pipeline over HTTP: envelope submission,
// confirmation answers, prompt composition, and the event stream.
type apiServer struct {
	orc      *orchestrator.Orchestrator
	composer *prompt.Composer
	bus      *events.Bus
	upgrader *websocket.Upgrader
}

func handleAPIServer(ctx context.Context, addr string, api *apiServer, wg *sync.WaitGroup, errc chan error, dbg bool) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute", api.execute)
	mux.HandleFunc("POST /api/confirm", api.confirm)
	mux.HandleFunc("POST /api/prompt", api.prompt)
	mux.HandleFunc("GET /api/events", api.stream)
	mux.HandleFunc("GET /api/events/recent", api.recent)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

// execute validates the wire request into an envelope and runs it through the
// orchestrator. Envelope violations surface as 400 with the violation list;
// every other outcome is a 200 carrying the structured result.
func (a *apiServer) execute(w http.ResponseWriter, r *http.Request) {
	var req envelope.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	env, err := envelope.New(req)
	if err != nil {
		var te *toolerrors.ToolError
		body := map[string]any{"error": err.Error(), "error_code": string(toolerrors.CodeInvalidEnvelope)}
		if errors.As(err, &te) {
			body["violations"] = te.Violations
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	writeJSON(w, http.StatusOK, a.orc.Execute(r.Context(), env))
}

// confirm resolves a pending confirmation prompt. Unknown or late request ids
// answer 404; the waiting execution observes the approval.
func (a *apiServer) confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Approved  bool   `json:"approved"`
		Message   string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request_id is required"})
		return
	}
	if !a.orc.Confirm(req.RequestID, req.Approved, req.Message) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending confirmation for request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

// prompt composes the system prompt for a planner request.
func (a *apiServer) prompt(w http.ResponseWriter, r *http.Request) {
	var req prompt.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user_id is required"})
		return
	}
	p := a.composer.Compose(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]any{
		"system": p.System(),
		"parts": map[string]string{
			"policy":  p.Policy,
			"domain":  p.Domain,
			"catalog": p.Catalog,
			"task":    p.Task,
		},
	})
}

// stream upgrades to a websocket and forwards the room's events until the
// client disconnects. Slow clients miss events rather than slow the bus.
func (a *apiServer) stream(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "room is required"})
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := a.bus.Subscribe(room)
	defer cancel()

	// Drain client frames so close and ping control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// recent answers the diagnostic event history, filtered by trace, tool, or
// event type.
func (a *apiServer) recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{
		TraceID:  q.Get("trace_id"),
		ToolName: q.Get("tool"),
		Type:     events.Type(q.Get("type")),
	}
	evs := a.bus.Recent(f)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
