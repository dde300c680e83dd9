// Package httpapi serves the control surface: module status, suspend and
// resume, the per-module event history, Prometheus metrics and optionally
// net/http/pprof.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fwcore/internal/host"
	"fwcore/internal/storage"
	logx "fwcore/pkg/logx"
)

// Controller is the part of the host the API drives.
type Controller interface {
	Snapshot() []host.ModuleInfo
	Info(name string) (host.ModuleInfo, error)
	Suspend(name string) error
	Resume(name string) error
	Events(ctx context.Context, name string, limit int) ([]storage.Event, error)
}

type RouterOptions struct {
	Token    string
	Pprof    bool
	Gatherer prometheus.Gatherer
	Log      logx.Logger
}

type router struct {
	ctrl Controller
	opts RouterOptions
	mux  chi.Router
}

// NewRouter builds the handler tree. Every route except /healthz requires
// the token when one is set.
func NewRouter(ctrl Controller, opts RouterOptions) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	rt := &router{ctrl: ctrl, opts: opts, mux: chi.NewRouter()}
	rt.routes()
	return rt.mux
}

func (rt *router) routes() {
	r := rt.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(rt.opts.Log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(rt.opts.Token))

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", rt.handleList)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", rt.handleGet)
				r.Post("/suspend", rt.handleSuspend)
				r.Post("/resume", rt.handleResume)
				r.Get("/events", rt.handleEvents)
			})
		})

		if rt.opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(rt.opts.Gatherer, promhttp.HandlerOpts{}))
		}

		if rt.opts.Pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(hpprof.Index))
		}
	})
}

func (rt *router) handleList(w http.ResponseWriter, _ *http.Request) {
	mods := rt.ctrl.Snapshot()
	if mods == nil {
		mods = []host.ModuleInfo{}
	}
	respondJSON(w, http.StatusOK, mods)
}

func (rt *router) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := rt.ctrl.Info(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (rt *router) handleSuspend(w http.ResponseWriter, r *http.Request) {
	rt.control(w, r, rt.ctrl.Suspend)
}

func (rt *router) handleResume(w http.ResponseWriter, r *http.Request) {
	rt.control(w, r, rt.ctrl.Resume)
}

func (rt *router) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	name := chi.URLParam(r, "name")
	if err := op(name); err != nil {
		respondError(w, err)
		return
	}
	info, err := rt.ctrl.Info(name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (rt *router) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	evs, err := rt.ctrl.Events(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if evs == nil {
		evs = []storage.Event{}
	}
	respondJSON(w, http.StatusOK, evs)
}

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, host.ErrUnknownModule):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled):
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, errorBody{Error: err.Error()})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) &&
				tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	respondJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
