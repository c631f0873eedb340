// Package server exposes pair evaluation, rendering and optimization over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"autogeoref/internal/app"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/pipeline"
	"autogeoref/internal/render"
	"autogeoref/internal/storage"
	"autogeoref/internal/version"
)

// Server wraps the HTTP server and the run registry.
type Server struct {
	addr     string
	runner   *app.Runner
	defaults optimizer.Options
	render   render.Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	// Overridable for tests.
	evaluate func(img1, img2 string, p params.ParameterSet, alpha float64) (pipeline.Detail, error)
	renderFn func(img1, img2 string, p params.ParameterSet, alpha float64, opts render.Options) ([]byte, error)
	baseCtx  context.Context
}

// New creates a server. defaults fill in optimization requests; ropts are
// the diagram defaults.
func New(addr string, runner *app.Runner, defaults optimizer.Options, ropts render.Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		runner:   runner,
		defaults: defaults,
		render:   ropts,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		evaluate: pipeline.EvaluatePairDetailed,
		renderFn: renderPNG,
		baseCtx:  context.Background(),
	}
}

// Start serves until ctx is done, then shuts down gracefully. Background
// runs are canceled with ctx.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/match", s.handleMatch).Methods("POST")
	api.HandleFunc("/render", s.handleRender).Methods("POST")
	api.HandleFunc("/optimize", s.handleOptimize).Methods("POST")
	api.HandleFunc("/optimize/{id}", s.handleRunStatus).Methods("GET")
	api.HandleFunc("/optimize/{id}/stream", s.handleRunStream).Methods("GET")
	api.HandleFunc("/runs", s.handleRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handleStoredRun).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"build_time": version.BuildTime,
		"git_commit": version.GitCommit,
	})
}

// PairRequest is the body of /api/match and /api/render.
type PairRequest struct {
	Img1    string         `json:"img1"`
	Img2    string         `json:"img2"`
	Params  map[string]any `json:"params,omitempty"`
	Alpha   *float64       `json:"alpha,omitempty"`
	Details bool           `json:"details,omitempty"`
	MaxDraw *int           `json:"max_draw,omitempty"`
}

func (s *Server) decodePair(r *http.Request) (PairRequest, params.ParameterSet, float64, error) {
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, params.ParameterSet{}, 0, badRequest(err)
	}
	if req.Img1 == "" || req.Img2 == "" {
		return req, params.ParameterSet{}, 0, badRequest(errors.New("img1 and img2 are required"))
	}
	p := params.Default()
	if len(req.Params) > 0 {
		var err error
		if p, err = params.FromMap(req.Params); err != nil {
			return req, params.ParameterSet{}, 0, err
		}
	}
	alpha := s.defaults.Alpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	return req, p, alpha, nil
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	req, p, alpha, err := s.decodePair(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.evaluate(req.Img1, req.Img2, p, alpha)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Details {
		writeJSON(w, http.StatusOK, d)
		return
	}
	writeJSON(w, http.StatusOK, d.Summary)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, p, alpha, err := s.decodePair(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts := s.render
	if req.MaxDraw != nil {
		opts.MaxDraw = *req.MaxDraw
	}
	data, err := s.renderFn(req.Img1, req.Img2, p, alpha, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func renderPNG(img1, img2 string, p params.ParameterSet, alpha float64, opts render.Options) ([]byte, error) {
	out, err := render.RenderMatches(img1, img2, p, alpha, opts)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	return render.EncodePNG(out.Mat)
}

// OptimizeRequest is the body of /api/optimize. Unset fields take the
// server defaults.
type OptimizeRequest struct {
	Pairs     [][]string  `json:"pairs,omitempty"`
	PairsFile string      `json:"pairs_file,omitempty"`
	Grid      params.Grid `json:"grid,omitempty"`

	Alpha             *float64 `json:"alpha,omitempty"`
	TestSize          *float64 `json:"test_size,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	CVMode            *string  `json:"cv_mode,omitempty"`
	NSplits           *int     `json:"n_splits,omitempty"`
	MinInliers        *float64 `json:"min_inliers,omitempty"`
	WarmupPairs       *int     `json:"warmup_pairs,omitempty"`
	TimeLimitS        *float64 `json:"time_limit_s,omitempty"`
	SuccessiveHalving *bool    `json:"successive_halving,omitempty"`
	HalvingEta        *int     `json:"halving_eta,omitempty"`
	PatienceBadFolds  *float64 `json:"patience_bad_folds,omitempty"`
	Workers           *int     `json:"workers,omitempty"`
}

// Options applies the request over defaults.
func (req OptimizeRequest) Options(defaults optimizer.Options) (optimizer.Options, error) {
	o := defaults
	if req.Alpha != nil {
		o.Alpha = *req.Alpha
	}
	if req.TestSize != nil {
		o.TestSize = *req.TestSize
	}
	if req.Seed != nil {
		o.Seed = *req.Seed
	}
	if req.CVMode != nil {
		mode, err := optimizer.ParseMode(*req.CVMode)
		if err != nil {
			return o, err
		}
		o.Mode = mode
	}
	if req.NSplits != nil {
		o.NSplits = *req.NSplits
	}
	if req.MinInliers != nil {
		o.MinInliers = optimizer.Float(*req.MinInliers)
	}
	if req.WarmupPairs != nil {
		o.WarmupPairs = *req.WarmupPairs
	}
	if req.TimeLimitS != nil {
		o.TimeLimit = time.Duration(*req.TimeLimitS * float64(time.Second))
	}
	if req.SuccessiveHalving != nil {
		o.SuccessiveHalving = *req.SuccessiveHalving
	}
	if req.HalvingEta != nil {
		o.HalvingEta = *req.HalvingEta
	}
	if req.PatienceBadFolds != nil {
		o.PatienceBadFolds = optimizer.Float(*req.PatienceBadFolds)
	}
	if req.Workers != nil {
		o.Workers = *req.Workers
	}
	return o, o.Validate()
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	opts, err := req.Options(s.defaults)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var (
		ps     []pairs.Pair
		source = "api"
	)
	switch {
	case req.PairsFile != "":
		ps, err = pairs.Load(req.PairsFile)
		source = req.PairsFile
	case len(req.Pairs) > 0:
		ps, err = pairs.FromSlices(req.Pairs)
	default:
		err = badRequest(errors.New("pairs or pairs_file is required"))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.runner.Start(s.baseCtx, app.Request{
		Pairs:   ps,
		Source:  source,
		Grid:    req.Grid,
		Options: opts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/optimize/"+run.ID)
	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, badRequest(errors.New("limit must be a positive integer")))
			return
		}
		limit = n
	}
	recs, err := s.runner.Store().RecentRuns(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]RunView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewRunView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStoredRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runner.Store().Run(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewRunView(rec))
}

// RunView is a stored run with its JSON columns inlined.
type RunView struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Source      string          `json:"source,omitempty"`
	CVMode      string          `json:"cv_mode"`
	NPairs      int             `json:"n_pairs"`
	GridSize    int             `json:"grid_size"`
	Options     json.RawMessage `json:"options,omitempty"`
	BestParams  json.RawMessage `json:"best_params,omitempty"`
	BestCost    *float64        `json:"best_cost"`
	Report      json.RawMessage `json:"report,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewRunView converts a stored run for JSON output.
func NewRunView(rec storage.RunRecord) RunView {
	return RunView{
		ID:          rec.ID,
		Status:      rec.Status,
		Source:      rec.Source,
		CVMode:      rec.CVMode,
		NPairs:      rec.NPairs,
		GridSize:    rec.GridSize,
		Options:     raw(rec.OptionsJSON),
		BestParams:  raw(rec.BestParams),
		BestCost:    rec.BestCost,
		Report:      raw(rec.ReportJSON),
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
