package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/executor"
	"github.com/JakeFAU/labnodes/internal/metrics"
	"github.com/JakeFAU/labnodes/internal/node"
)

const (
	defaultMaxUploadBytes = 64 << 20
	defaultReadTimeout    = 10 * time.Second
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 1000
	multipartMemory       = 8 << 20
)

// Executor runs actions and reports the node status.
type Executor interface {
	Status() node.Status
	Submit(ctx context.Context, req node.ActionRequest) executor.Outcome
}

// AboutProvider describes the node.
type AboutProvider interface {
	About() node.About
}

// Resources exposes the last recorded resource snapshot.
type Resources interface {
	LastSnapshot() (string, error)
}

// Config tunes request handling.
type Config struct {
	// MaxUploadBytes caps the /action request body (default: 64MiB).
	MaxUploadBytes int64
	// ReadTimeout bounds every route except /action (default: 10s).
	ReadTimeout time.Duration
}

// Deps are the collaborators of a Server. History is optional.
type Deps struct {
	Executor  Executor
	About     AboutProvider
	Resources Resources
	History   node.HistoryStore
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the executor and stores.
type Server struct {
	router    chi.Router
	exec      Executor
	about     AboutProvider
	resources Resources
	history   node.HistoryStore
	logger    *zap.Logger
	cfg       Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.About == nil {
		return nil, errors.New("about provider is required")
	}
	if deps.Resources == nil {
		return nil, errors.New("resources provider is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		exec:      deps.Executor,
		about:     deps.About,
		resources: deps.Resources,
		history:   deps.History,
		logger:    logger,
		cfg:       cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.ReadTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Get("/state", s.state)
		r.Get("/about", s.describe)
		r.Get("/resources", s.lastResources)
		r.Get("/history", s.recentActions)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	// Actions run for as long as the device needs.
	r.Post("/action", s.action)

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports 503 until the device has connected, and while it is in
// ERROR.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.exec.Status()
	if st == node.StatusUnknown || st == node.StatusError {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": string(st)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(st)})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"State": string(s.exec.Status())})
}

func (s *Server) describe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.about.About())
}

func (s *Server) lastResources(w http.ResponseWriter, _ *http.Request) {
	contents, err := s.resources.LastSnapshot()
	if err != nil {
		s.logger.Error("read resource snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read resources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"State": contents})
}

func (s *Server) recentActions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.history.RecentActions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	if recs == nil {
		recs = []node.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": recs})
}

// action always answers 200: the engine reads the step status, not the HTTP
// code.
func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handle := strings.TrimSpace(q.Get("action_handle"))
	if handle == "" {
		s.actionFailed(w, node.NewError(node.KindMalformedInput, "action_handle is required", nil))
		return
	}
	vars, err := node.ParseVars(q.Get("action_vars"))
	if err != nil {
		s.actionFailed(w, err)
		return
	}
	files, err := s.readFiles(w, r)
	if err != nil {
		s.actionFailed(w, err)
		return
	}

	out := s.exec.Submit(r.Context(), node.ActionRequest{Handle: handle, Vars: vars, Files: files})
	if out.ActionID != "" {
		w.Header().Set("X-Action-ID", out.ActionID)
	}
	writeJSON(w, http.StatusOK, out.Result)
}

func (s *Server) actionFailed(w http.ResponseWriter, err error) {
	s.logger.Warn("action request refused", zap.String("kind", string(node.KindOf(err))), zap.Error(err))
	writeJSON(w, http.StatusOK, node.Failed(err.Error()))
}

// readFiles collects every uploaded part, ordered by form field name.
func (s *Server) readFiles(w http.ResponseWriter, r *http.Request) ([]node.File, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, node.NewError(node.KindMalformedInput, "invalid multipart upload", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []node.File
	for _, field := range fields {
		for _, hdr := range r.MultipartForm.File[field] {
			data, err := readPart(hdr)
			if err != nil {
				return nil, node.NewError(node.KindMalformedInput, fmt.Sprintf("read upload %q", hdr.Filename), err)
			}
			files = append(files, node.File{
				Name:        field,
				Filename:    hdr.Filename,
				ContentType: hdr.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	return files, nil
}

func readPart(hdr *multipart.FileHeader) ([]byte, error) {
	f, err := hdr.Open()
	if err != nil {
		return nil, fmt.Errorf("open part: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	return data, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
