package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gridtrade/gridtrade/pkg/hub"
	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/storage/storagemock"
	"github.com/gridtrade/gridtrade/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockController struct {
	mock.Mock
}

var _ Controller = (*mockController)(nil)

func (m *mockController) Start(ctx context.Context) { m.Called(ctx) }
func (m *mockController) Pause(ctx context.Context) { m.Called(ctx) }
func (m *mockController) Reset(ctx context.Context) { m.Called(ctx) }

func (m *mockController) SetSpeed(ctx context.Context, n int) int {
	args := m.Called(ctx, n)
	return args.Int(0)
}

func (m *mockController) State() types.Snapshot {
	args := m.Called()
	return args.Get(0).(types.Snapshot)
}

func (m *mockController) PriceHistory() []types.PricePoint {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]types.PricePoint)
	}
	return nil
}

func testSnapshot(agents int) types.Snapshot {
	snap := types.Snapshot{
		IsRunning: true,
		Speed:     2,
		Tick:      7,
		Market: types.MarketState{
			Timestamp:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
			CurrentPrice: 0.2,
			BasePrice:    0.2,
		},
		Agents:             []types.AgentState{},
		RecentTransactions: []types.Transaction{},
	}
	for i := 0; i < agents; i++ {
		snap.Agents = append(snap.Agents, types.AgentState{
			ID:     fmt.Sprintf("home_%03d", i+1),
			Name:   fmt.Sprintf("Home %d", i+1),
			Status: types.StatusBalanced,
		})
	}
	return snap
}

func newTestServer(sim Controller, db *storagemock.MockDatabase) *Server {
	return &Server{
		sim:        sim,
		hub:        hub.New(),
		storage:    db,
		listenAddr: ":8080",
		serverName: "gridtrade-test",
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&mockController{}, &storagemock.MockDatabase{})
	handler := srv.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "gridtrade-test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=63072000")
}

func TestHandleState(t *testing.T) {
	sim := &mockController{}
	sim.On("State").Return(testSnapshot(2))
	handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/simulation/state", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["is_running"])
	assert.Equal(t, 2.0, body["speed"])
	assert.Equal(t, 7.0, body["tick"])
	assert.Nil(t, body["weather"])
	assert.Len(t, body["agents"], 2)
	assert.Contains(t, body, "market")
	assert.Contains(t, body, "recent_transactions")
	sim.AssertExpectations(t)
}

func TestHandleStateGzip(t *testing.T) {
	sim := &mockController{}
	sim.On("State").Return(testSnapshot(40))
	handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/simulation/state", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	var snap types.Snapshot
	require.NoError(t, json.NewDecoder(zr).Decode(&snap))
	assert.Len(t, snap.Agents, 40)
}

func TestControlHandlers(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		method string
		want   string
	}{
		{"Start", "/api/simulation/start", "Start", `{"status":"started"}`},
		{"Pause", "/api/simulation/pause", "Pause", `{"status":"paused"}`},
		{"Reset", "/api/simulation/reset", "Reset", `{"status":"reset"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := &mockController{}
			sim.On(tt.method, mock.Anything).Return().Once()
			handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
			sim.AssertExpectations(t)
		})
	}

	t.Run("GetNotAllowed", func(t *testing.T) {
		sim := &mockController{}
		handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

		req := httptest.NewRequest(http.MethodGet, "/api/simulation/start", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		sim.AssertNotCalled(t, "Start", mock.Anything)
	})
}

func TestHandleSpeed(t *testing.T) {
	t.Run("Clamped", func(t *testing.T) {
		sim := &mockController{}
		sim.On("SetSpeed", mock.Anything, 9).Return(5).Once()
		handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

		req := httptest.NewRequest(http.MethodPost, "/api/simulation/speed?speed=9", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"speed":5}`, w.Body.String())
		sim.AssertExpectations(t)
	})

	for _, raw := range []string{"", "fast", "2.5"} {
		t.Run("Invalid_"+raw, func(t *testing.T) {
			sim := &mockController{}
			handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

			req := httptest.NewRequest(http.MethodPost, "/api/simulation/speed?speed="+raw, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error":"speed must be an integer"}`, w.Body.String())
			sim.AssertNotCalled(t, "SetSpeed", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleMarketPrices(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		sim := &mockController{}
		sim.On("PriceHistory").Return(nil)
		handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

		req := httptest.NewRequest(http.MethodGet, "/api/market/prices", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("Points", func(t *testing.T) {
		ts := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
		sim := &mockController{}
		sim.On("PriceHistory").Return([]types.PricePoint{
			{Timestamp: ts, Price: 0.2},
			{Timestamp: ts.Add(2 * time.Second), Price: 0.42},
		})
		handler := newTestServer(sim, &storagemock.MockDatabase{}).setupHandler()

		req := httptest.NewRequest(http.MethodGet, "/api/market/prices", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got []types.PricePoint
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, 0.42, got[1].Price)
		assert.True(t, got[1].Timestamp.Equal(ts.Add(2*time.Second)))
	})
}

func TestCORS(t *testing.T) {
	sim := &mockController{}
	srv := newTestServer(sim, &storagemock.MockDatabase{})
	srv.corsOrigins = []string{"https://grid.example"}
	handler := srv.setupHandler()

	t.Run("Preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/simulation/start", nil)
		req.Header.Set("Origin", "https://grid.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		// browsers send the requested header names lowercased
		req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "https://grid.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "authorization")
		sim.AssertNotCalled(t, "Start", mock.Anything)
	})

	t.Run("PreflightDisallowedHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/simulation/start", nil)
		req.Header.Set("Origin", "https://grid.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "x-custom-header")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
		sim.AssertNotCalled(t, "Start", mock.Anything)
	})

	t.Run("UnknownOrigin", func(t *testing.T) {
		sim.On("State").Return(testSnapshot(0)).Once()
		req := httptest.NewRequest(http.MethodGet, "/api/simulation/state", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestWebsocketRoute(t *testing.T) {
	sim := &mockController{}
	snap := testSnapshot(3)
	sim.On("State").Return(snap)
	srv := newTestServer(sim, &storagemock.MockDatabase{})
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()
	defer srv.hub.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/simulation"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first types.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 7, first.Tick)
	assert.Len(t, first.Agents, 3)

	require.Eventually(t, func() bool { return srv.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	next := testSnapshot(1)
	next.Tick = 8
	require.NoError(t, srv.hub.Publish(context.Background(), next))

	var pushed types.Snapshot
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, 8, pushed.Tick)
}

func TestRun(t *testing.T) {
	srv := newTestServer(&mockController{}, &storagemock.MockDatabase{})
	srv.listenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, splitList(" a@example.com, ,b@example.com "))
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSONError(w, "boom", http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(body))
}
