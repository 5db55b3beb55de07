// Package server exposes a read-only HTTP API over a query engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/coffersTech/allocq/internal/config"
	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultLimit = 100

type QueryServer struct {
	engine    *query.Engine
	cfg       config.ServerConfig
	tokenHash []byte
	logger    log.Logger
	gatherer  prometheus.Gatherer
	duration  *prometheus.HistogramVec
	router    *mux.Router
	srv       *http.Server
}

type Option func(*QueryServer)

func WithLogger(l log.Logger) Option {
	return func(s *QueryServer) { s.logger = l }
}

// WithRegistry registers the request metrics in reg and serves reg on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *QueryServer) {
		s.gatherer = reg
		s.duration = newDurationVec(reg)
	}
}

func New(e *query.Engine, cfg config.ServerConfig, opts ...Option) *QueryServer {
	s := &QueryServer{
		engine:   e,
		cfg:      cfg,
		logger:   log.NewNopLogger(),
		gatherer: prometheus.DefaultGatherer,
	}
	if cfg.APITokenHash != "" {
		s.tokenHash = []byte(cfg.APITokenHash)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.duration == nil {
		s.duration = newDurationVec(nil)
	}
	s.logger = log.With(s.logger, "component", "server")
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func newDurationVec(reg prometheus.Registerer) *prometheus.HistogramVec {
	return promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocq_http_request_duration_seconds",
		Help:    "Time taken to serve API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"code", "method", "handler"})
}

func (s *QueryServer) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.AuthMiddleware)

	handle := func(path, name string, h http.HandlerFunc) {
		api.Handle(path, promhttp.InstrumentHandlerDuration(
			s.duration.MustCurryWith(prometheus.Labels{"handler": name}), h,
		)).Methods(http.MethodGet)
	}
	handle("/query", "query", s.handleQuery)
	handle("/records/{id:[0-9]+}", "record", s.handleRecord)
	handle("/aggregate", "aggregate", s.handleAggregate)
	handle("/timeline", "timeline", s.handleTimeline)
	handle("/stats", "stats", s.handleStats)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Handler returns the root handler.
func (s *QueryServer) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown.
func (s *QueryServer) Start() error {
	level.Info(s.logger).Log("msg", "listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *QueryServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// AuthMiddleware checks the bearer token against the configured bcrypt
// hash. Without a hash the API is open.
func (s *QueryServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="allocq"`)
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="allocq"`)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *QueryServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	conds, err := query.ParseFilter(params.Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys, err := query.ParseSortKeys(params.Get("sort"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultLimit
	if v := params.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			s.writeError(w, errs.InvalidArgument("invalid limit %q", v))
			return
		}
	}
	offset := 0
	if v := params.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			s.writeError(w, errs.InvalidArgument("invalid offset %q", v))
			return
		}
	}

	q := query.New().Where(conds...).OrderBy(keys...).Limit(limit).Offset(offset)
	if b, _ := strconv.ParseBool(params.Get("stacks")); b {
		q.IncludeCallStacks()
	}

	res, err := s.engine.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *QueryServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, errs.InvalidArgument("invalid record id"))
		return
	}
	res, err := s.engine.Query(r.Context(), query.New().Where(query.ID.Eq(id)).IncludeCallStacks())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(res.Records) == 0 {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	rec := res.Records[0]
	out := struct {
		Record    any `json:"record"`
		CallStack any `json:"call_stack,omitempty"`
	}{Record: rec}
	if id, ok := rec.StackID(); ok {
		if cs, found := res.CallStacks[id]; found {
			out.CallStack = cs
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *QueryServer) handleAggregate(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	conds, err := query.ParseFilter(params.Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	group, err := query.ParseGroupBy(params.Get("group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fns, err := query.ParseFunctions(params.Get("fn"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.Aggregate(r.Context(),
		query.NewAggregation().Where(conds...).GroupBy(group).Compute(fns...))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *QueryServer) handleTimeline(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Timeline())
}

func (s *QueryServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *QueryServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(s.logger).Log("msg", "JSON encode error", "err", err)
	}
}

func (s *QueryServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := errs.KindOf(err)
	switch kind {
	case errs.KindInvalidArgument:
		code = http.StatusBadRequest
	case errs.KindUnsupported:
		code = http.StatusUnprocessableEntity
	case errs.KindTimeout:
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "request failed", "err", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error(), "kind": string(kind)})
}
