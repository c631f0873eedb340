package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autogeoref/internal/app"
	imgload "autogeoref/internal/image"
	"autogeoref/internal/logging"
	"autogeoref/internal/optimizer"
	"autogeoref/internal/pairs"
	"autogeoref/internal/params"
	"autogeoref/internal/pipeline"
	"autogeoref/internal/render"
	"autogeoref/internal/storage"
	"autogeoref/pkg/geometry"
)

var ratioCost = optimizer.EvaluatorFunc(func(ctx context.Context, pair pairs.Pair, p params.ParameterSet, alpha float64) (optimizer.Outcome, error) {
	return optimizer.Outcome{Cost: p.RatioThresh * 10, Inliers: 40}, nil
})

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logging.Discard()
	s := New(":0", app.NewRunner(store, ratioCost, log), optimizer.DefaultOptions(), render.DefaultOptions(), log)
	s.evaluate = func(img1, img2 string, p params.ParameterSet, alpha float64) (pipeline.Detail, error) {
		if strings.HasSuffix(img1, "broken.png") {
			return pipeline.Detail{}, fmt.Errorf("%w: %s", imgload.ErrUnreadableImage, img1)
		}
		h := geometry.Homography{{1, 0, 5}, {0, 1, 0}, {0, 0, 1}}
		rmse := 0.5
		return pipeline.Detail{
			Summary: pipeline.Summary{
				H: &h, RMSE: &rmse, Inliers: 12, GoodMatches: 20,
				TotalKeypoints1: 100, TotalKeypoints2: 90, Cost: -12 + alpha*rmse,
			},
			InlierSrc: []geometry.Point2D{{X: 1, Y: 2}},
			InlierDst: []geometry.Point2D{{X: 6, Y: 2}},
		}, nil
	}
	s.renderFn = func(img1, img2 string, p params.ParameterSet, alpha float64, opts render.Options) ([]byte, error) {
		return []byte(fmt.Sprintf("png:%d", opts.MaxDraw)), nil
	}
	return s, store
}

func tempPairs(t *testing.T, n int) [][]string {
	t.Helper()
	dir := t.TempDir()
	out := make([][]string, n)
	for i := range out {
		a := filepath.Join(dir, fmt.Sprintf("p%d_a.png", i))
		b := filepath.Join(dir, fmt.Sprintf("p%d_b.png", i))
		require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(b, []byte("x"), 0o644))
		out[i] = []string{a, b}
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := do(t, h, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, "GET", "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestMatch(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := do(t, h, "POST", "/api/match", PairRequest{Img1: "a.png", Img2: "b.png"})
	require.Equal(t, http.StatusOK, rec.Code)
	var sum map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 12.0, sum["inliers"])
	assert.NotContains(t, sum, "points_src")

	rec = do(t, h, "POST", "/api/match", PairRequest{Img1: "a.png", Img2: "b.png", Details: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "points_src")
}

func TestMatchErrorStatus(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing image field", PairRequest{Img1: "a.png"}, http.StatusBadRequest},
		{"unknown matcher", PairRequest{Img1: "a.png", Img2: "b.png", Params: map[string]any{"matcher_type": "hnsw"}}, http.StatusBadRequest},
		{"unknown detector", PairRequest{Img1: "a.png", Img2: "b.png", Params: map[string]any{"detector": "SURF"}}, http.StatusBadRequest},
		{"unreadable image", PairRequest{Img1: "broken.png", Img2: "b.png"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/match", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	req := httptest.NewRequest("POST", "/api/match", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRender(t *testing.T) {
	s, _ := newTestServer(t)
	n := 7
	rec := do(t, s.Router(), "POST", "/api/render", PairRequest{Img1: "a.png", Img2: "b.png", MaxDraw: &n})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png:7", rec.Body.String())
}

func waitDone(t *testing.T, h http.Handler, id string) app.Status {
	t.Helper()
	var st app.Status
	require.Eventually(t, func() bool {
		rec := do(t, h, "GET", "/api/optimize/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		return st.Status != app.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestOptimizeLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	mode := "kfold"
	splits := 2
	rec := do(t, h, "POST", "/api/optimize", OptimizeRequest{
		Pairs:   tempPairs(t, 4),
		Grid:    params.Grid{"detector": {"ORB"}, "ratio_thresh": {0.8, 0.7}},
		CVMode:  &mode,
		NSplits: &splits,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.ID)
	assert.Equal(t, "/api/optimize/"+started.ID, rec.Header().Get("Location"))
	assert.Equal(t, 2, started.GridSize)

	st := waitDone(t, h, started.ID)
	assert.Equal(t, app.StatusDone, st.Status)
	require.NotNil(t, st.Best)
	assert.Equal(t, 0.7, st.Best.RatioThresh)
	require.NotNil(t, st.Report)
	assert.Equal(t, "kfold", st.Report.CVMode)

	rec = do(t, h, "GET", "/api/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []RunView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, started.ID, runs[0].ID)
	assert.Equal(t, storage.StatusDone, runs[0].Status)
	assert.Contains(t, string(runs[0].BestParams), `"ratio_thresh":0.7`)

	rec = do(t, h, "GET", "/api/runs/"+started.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOptimizeRejects(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	bad := 1.5
	tests := []struct {
		name string
		body OptimizeRequest
		want int
	}{
		{"no pairs", OptimizeRequest{}, http.StatusBadRequest},
		{"one pair", OptimizeRequest{Pairs: tempPairs(t, 1)}, http.StatusBadRequest},
		{"bad test size", OptimizeRequest{Pairs: tempPairs(t, 3), TestSize: &bad}, http.StatusBadRequest},
		{"missing images", OptimizeRequest{Pairs: [][]string{{"/no/a", "/no/b"}, {"/no/c", "/no/d"}}}, http.StatusUnprocessableEntity},
		{"malformed pair", OptimizeRequest{Pairs: [][]string{{"a"}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/optimize", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, h, "GET", "/api/optimize/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, "GET", "/api/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, "GET", "/api/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptimizeStream(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	body, err := json.Marshal(OptimizeRequest{Pairs: tempPairs(t, 4), Grid: params.Grid{"ratio_thresh": {0.7, 0.75, 0.8}}})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/optimize", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started app.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/optimize/" + started.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var (
		events int
		last   StreamMessage
	)
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Event != nil {
			events++
		}
		last = msg
		if msg.Done {
			break
		}
	}
	assert.True(t, last.Done)
	// three train scores plus one test pair
	assert.Equal(t, 4, events)
}
