package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cuesheet/internal/presence"
	"cuesheet/internal/rundown"
)

const sessionHeader = "X-Session-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	limiter    *rateLimiter
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     service.logger,
		limiter:    newRateLimiter(service.cfg.RateLimitRPS, service.cfg.RateLimitBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// fail writes err in its mapped form. Unmapped errors are logged since the
// client only sees a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r), "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"backends": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["backends"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWS(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body JoinInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, view, err := s.service.Join(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": sess, "rundown": view})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/templates" {
		writeJSON(w, http.StatusOK, map[string]any{"templates": rundown.BuiltinTemplateNames()})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodDelete {
		if err := s.service.Leave(r.Context(), parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ws, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet && !s.limiter.Allow(ws.Session().ID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return
	}

	switch parts[1] {
	case "rundown":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, ws.View())
			return
		}
	case "segments":
		s.handleSegments(w, r, ws, parts)
		return
	case "groups":
		s.handleGroups(w, r, ws, parts)
		return
	case "templates":
		if len(parts) == 3 && r.Method == http.MethodPost {
			var body struct {
				Index *int `json:"index"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			segments, err := ws.InstantiateTemplate(r.Context(), parts[2], body.Index)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"segments": segments})
			return
		}
	case "approval":
		if len(parts) == 3 && r.Method == http.MethodPost {
			var body TransitionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.Event = parts[2]
			t, err := ws.Transition(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"transition": t, "rundown": ws.View()})
			return
		}
	case "undo", "redo":
		if len(parts) == 2 && r.Method == http.MethodPost {
			step := ws.Undo
			if parts[1] == "redo" {
				step = ws.Redo
			}
			if err := step(r.Context()); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, ws.View())
			return
		}
	case "history":
		s.handleHistory(w, r, ws, parts)
		return
	case "presence":
		s.handlePresence(w, r, ws, parts)
		return
	case "archive":
		if len(parts) == 2 && r.Method == http.MethodGet {
			items, err := s.service.Archive(ws.Session().RundownID, queryLimit(r, 50))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSegments(w http.ResponseWriter, r *http.Request, ws *Workspace, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body SegmentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		seg, err := ws.AddSegment(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"segment": seg})
		return
	}

	if len(parts) == 3 && parts[2] == "bulk" && r.Method == http.MethodPost {
		var body BulkInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := ws.Bulk(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result, "message": result.Summary()})
		return
	}

	if len(parts) == 3 {
		id := parts[2]
		switch r.Method {
		case http.MethodPatch:
			var patch rundown.Patch
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			seg, err := ws.UpdateSegment(r.Context(), id, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"segment": seg})
			return
		case http.MethodDelete:
			if err := ws.DeleteSegment(r.Context(), id); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		id := parts[2]
		var err error
		switch parts[3] {
		case "move":
			var body struct {
				To *int `json:"to"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.To == nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "to is required", nil)
				return
			}
			err = ws.MoveSegment(r.Context(), id, *body.To)
		case "duplicate":
			dup, dupErr := ws.DuplicateSegment(r.Context(), id)
			if dupErr != nil {
				s.fail(w, r, dupErr)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"segment": dup})
			return
		case "lock", "unlock":
			err = ws.SetSegmentLocked(r.Context(), id, parts[3] == "lock")
		case "group":
			var body struct {
				GroupID string `json:"groupId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			err = ws.AssignGroup(r.Context(), id, body.GroupID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ws.View())
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request, ws *Workspace, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body GroupInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		group, err := ws.AddGroup(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"group": group})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPatch {
		var body struct {
			Name    *string `json:"name"`
			ColorID *string `json:"colorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ws.UpdateGroup(r.Context(), parts[2], body.Name, body.ColorID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ws.View())
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		ungrouped, err := ws.RemoveGroup(r.Context(), parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ungrouped": ungrouped})
		return
	}

	if len(parts) == 4 && parts[3] == "toggle" && r.Method == http.MethodPost {
		collapsed, err := ws.ToggleGroup(r.Context(), parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collapsed": collapsed})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, ws *Workspace, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		entries, err := ws.History(r.Context(), queryLimit(r, 0))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": entries})
		return
	}

	if len(parts) == 4 && parts[3] == "restore" && r.Method == http.MethodPost {
		entry, err := ws.RestoreHistory(r.Context(), parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "rundown": ws.View()})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, ws *Workspace, parts []string) {
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		peers, err := ws.Presence(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": peers})
	case http.MethodPost:
		var body presence.Selection
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ws.Announce(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) requireWorkspace(w http.ResponseWriter, r *http.Request) (*Workspace, bool) {
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+sessionHeader+" header", nil)
		return nil, false
	}
	ws, err := s.service.Workspace(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return ws, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.service.metrics.ObserveRequest(r.Method, strconv.Itoa(writer.status))
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+sessionHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
