package api

import (
	"HeavySpectra/internal/engine/reconciler"
	"HeavySpectra/internal/leaderboard"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeEngine struct {
	pub       *leaderboard.Publisher
	ingested  []model.Event
	ingestErr error
	outcome   reconciler.Outcome
	recErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{pub: leaderboard.New(3, 0)}
}

func (f *fakeEngine) Current() *model.Snapshot { return f.pub.Current() }

func (f *fakeEngine) Subscribe(ctx context.Context) iter.Seq[*model.Snapshot] {
	return f.pub.Subscribe(ctx)
}

func (f *fakeEngine) Reconcile(context.Context) (reconciler.Outcome, error) {
	return f.outcome, f.recErr
}

func (f *fakeEngine) ReconcilerState() reconciler.State { return reconciler.Idle }

func (f *fakeEngine) Ingest(_ context.Context, events []model.Event) error {
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, events...)
	return nil
}

func (f *fakeEngine) Item(item string) model.ItemStats {
	return model.ItemStats{Item: item, Estimate: 7, WindowCount: 6}
}

func serve(t *testing.T, e Engine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(e, http.NotFoundHandler(), logger.Discard()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestLeaderboardBeforeFirstPublication(t *testing.T) {
	srv := serve(t, newFakeEngine())
	resp, err := http.Get(srv.URL + "/api/v1/leaderboard")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Zero(t, snap.Generation)
	assert.Empty(t, snap.Entries)
}

func TestLeaderboardLimit(t *testing.T) {
	e := newFakeEngine()
	_, err := e.pub.Publish(model.SourceExact, []model.Entry{{Item: "a", Count: 3}, {Item: "b", Count: 2}}, time.Now())
	require.NoError(t, err)
	srv := serve(t, e)

	resp, err := http.Get(srv.URL + "/api/v1/leaderboard?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap model.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, model.SourceExact, snap.Source)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "a", snap.Entries[0].Item)
	assert.Len(t, e.Current().Entries, 2, "published snapshot is untouched")

	bad, err := http.Get(srv.URL + "/api/v1/leaderboard?limit=-2")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPostEvents(t *testing.T) {
	e := newFakeEngine()
	srv := serve(t, e)

	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json",
		strings.NewReader(`[{"item":"a","weight":4},{"item":"b"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []model.Event{{Item: "a", Weight: 4}, {Item: "b"}}, e.ingested)

	for name, body := range map[string]string{
		"not json": `{{`,
		"no item":  `[{"weight":2}]`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	e.ingestErr = model.ErrTransientUnavailable
	resp, err = http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(`[{"item":"c"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReconcileEndpoint(t *testing.T) {
	e := newFakeEngine()
	e.outcome = reconciler.OutcomeClosed
	srv := serve(t, e)

	resp, err := http.Post(srv.URL+"/api/v1/reconcile", "application/json", nil)
	require.NoError(t, err)
	var body reconcileResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "closed", body.Outcome)
	assert.Equal(t, "idle", body.State)

	e.recErr = model.ErrTransientUnavailable
	resp, err = http.Post(srv.URL+"/api/v1/reconcile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestItemEndpoint(t *testing.T) {
	srv := serve(t, newFakeEngine())
	resp, err := http.Get(srv.URL + "/api/v1/items/user:7")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st model.ItemStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "user:7", st.Item)
	assert.Equal(t, uint64(7), st.Estimate)
}

func TestStreamEndpoint(t *testing.T) {
	e := newFakeEngine()
	srv := serve(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/leaderboard/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	var first model.Snapshot
	require.NoError(t, json.Unmarshal(lines.Bytes(), &first))
	assert.Zero(t, first.Generation)

	_, err = e.pub.Publish(model.SourceApproximate, []model.Entry{{Item: "a", Count: 1}}, time.Now())
	require.NoError(t, err)
	require.True(t, lines.Scan())
	var next model.Snapshot
	require.NoError(t, json.Unmarshal(lines.Bytes(), &next))
	assert.Equal(t, uint64(1), next.Generation)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusCode(model.ErrInvalidParameters))
	assert.Equal(t, http.StatusNotFound, statusCode(model.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusCode(model.ErrCorruptSnapshot))
	assert.Equal(t, http.StatusInternalServerError, statusCode(assert.AnError))
}

func TestHealthServer(t *testing.T) {
	hs, err := NewHealthServer("127.0.0.1:0")
	require.NoError(t, err)
	go hs.Serve()
	defer hs.Stop()

	conn, err := grpc.NewClient(hs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	hs.MarkServing()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
