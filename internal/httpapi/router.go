package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
)

var errNotFound = errors.New("not found")

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fractal_http_requests_total",
	Help: "HTTP API requests by route and status.",
}, []string{"route", "status"})

// Options configures the HTTP API.
type Options struct {
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// MaxImageBytes limits uploads; zero selects ingest.DefaultMaxImageSize.
	MaxImageBytes int64
}

// Router serves the web upload flow on top of a single flow.Runner.
type Router struct {
	runner   *flow.Runner
	maxBytes int64
}

// NewRouter returns the HTTP handler for runner.
func NewRouter(runner *flow.Runner, opts Options) http.Handler {
	maxBytes := opts.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = ingest.DefaultMaxImageSize
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := &Router{runner: runner, maxBytes: maxBytes}
	mux := chi.NewRouter()
	mux.Use(requestLogger)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/api", func(rt chi.Router) {
		rt.Get("/state", r.wrap(r.handleState))
		rt.Post("/analyze", r.wrap(r.handleAnalyze))
		rt.Post("/reset", r.wrap(r.handleReset))
		rt.Post("/dismiss", r.wrap(r.handleDismiss))
		rt.Get("/history", r.wrap(r.handleHistoryList))
		rt.Get("/history/{id}", r.wrap(r.handleHistoryGet))
	})

	return mux
}

// requestLogger logs every request and counts it by route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(route, fmt.Sprint(status)).Inc()

		log.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not found", "not_found")
		case errors.Is(err, flow.ErrBusy):
			writeError(w, http.StatusConflict, "An analysis is already running.", flow.CodeBusy)
		case errors.Is(err, flow.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
		case errors.Is(err, ingest.ErrFileRead):
			writeError(w, http.StatusBadRequest, flow.UserMessage(err), flow.ErrorCode(err))
		case errors.Is(err, flow.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting down", "closed")
		default:
			log.Error().Err(err).Str("path", req.URL.Path).Msg("http handler failed")
			writeError(w, http.StatusInternalServerError, "internal error", "internal")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	_ = writeJSON(w, status, errorJSON{Message: message, Code: code})
}

// GET /api/state
func (r *Router) handleState(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, newStateJSON(r.runner.Snapshot()))
}

// POST /api/analyze
// Body: {"image": "<base64 or data URL>"} or a multipart form with a "file" field.
// With ?wait=true the response is sent once the analysis has settled.
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	img, readErr := r.readUpload(w, req)

	load := flow.LoadImage(img)
	if readErr != nil {
		// Unreadable uploads still pass through the state machine so the
		// error is visible in /api/state.
		load = func(context.Context) (ingest.Image, error) {
			return ingest.Image{}, readErr
		}
	}

	snap, err := r.runner.Submit(req.Context(), load)
	if err != nil {
		return err
	}
	if readErr != nil {
		if _, err := r.runner.Await(req.Context()); err != nil {
			return err
		}
		return readErr
	}

	if wait := req.URL.Query().Get("wait"); wait == "true" || wait == "1" {
		snap, err = r.runner.Await(req.Context())
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, newStateJSON(snap))
	}
	return writeJSON(w, http.StatusAccepted, newStateJSON(snap))
}

func (r *Router) readUpload(w http.ResponseWriter, req *http.Request) (ingest.Image, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))

	// Multipart bodies carry form overhead on top of the image itself.
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBytes*2+1<<20)

	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := req.FormFile("file")
		if err != nil {
			return ingest.Image{}, fmt.Errorf("%w: %v", ingest.ErrFileRead, err)
		}
		defer file.Close()
		return ingest.FromReader(file, header.Filename, r.maxBytes)
	}

	var body struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return ingest.Image{}, fmt.Errorf("%w: invalid request body: %v", ingest.ErrFileRead, err)
	}
	img, err := ingest.DecodeBase64(body.Image)
	if err != nil {
		return ingest.Image{}, err
	}
	if int64(len(img.Data)) > r.maxBytes {
		return ingest.Image{}, fmt.Errorf("%w: image too large: exceeds limit of %d bytes", ingest.ErrFileRead, r.maxBytes)
	}
	return img, nil
}

// POST /api/reset
func (r *Router) handleReset(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, newStateJSON(r.runner.Reset()))
}

// POST /api/dismiss
func (r *Router) handleDismiss(w http.ResponseWriter, _ *http.Request) error {
	snap, err := r.runner.Dismiss()
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, newStateJSON(snap))
}

// GET /api/history
func (r *Router) handleHistoryList(w http.ResponseWriter, _ *http.Request) error {
	items := []historyJSON{}
	if h := r.runner.History(); h != nil {
		for _, item := range h.List() {
			items = append(items, newHistoryJSON(item, false))
		}
	}
	return writeJSON(w, http.StatusOK, items)
}

// GET /api/history/{id}
func (r *Router) handleHistoryGet(w http.ResponseWriter, req *http.Request) error {
	h := r.runner.History()
	if h == nil {
		return errNotFound
	}
	id, err := uuid.Parse(chi.URLParam(req, "id"))
	if err != nil {
		return errNotFound
	}
	item, ok := h.Get(id)
	if !ok {
		return errNotFound
	}
	return writeJSON(w, http.StatusOK, newHistoryJSON(item, true))
}
