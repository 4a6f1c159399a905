package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"grbl-service/internal/config"
	"grbl-service/internal/dialect"
	"grbl-service/internal/discovery"
	serialscan "grbl-service/internal/discovery/serial"
	"grbl-service/internal/events"
	"grbl-service/internal/link"
	"grbl-service/internal/middleware"
	"grbl-service/internal/model"
	"grbl-service/internal/protocol"
	"grbl-service/internal/repository"
	"grbl-service/internal/service"
)

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
	Error     *struct {
		Code           string `json:"code"`
		ControllerCode *int   `json:"controller_code"`
	} `json:"error"`
}

type testServer struct {
	engine *gin.Engine
	svc    *service.LinkService
}

func newTestServer(t *testing.T, mutate func(*config.LinkConfig)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg := &config.Config{
		App:      config.AppConfig{Name: "grbl-service", Version: "test"},
		Journal:  config.JournalConfig{Driver: config.JournalBolt},
		Security: config.SecurityConfig{AllowedOrigins: []string{"*"}},
		Link: config.LinkConfig{
			DefaultBaudRate: 115200,
			DefaultDialect:  "grbl",
			AckTimeout:      2 * time.Second,
			ErrorPolicy:     "halt-on-error",
			MaxLineLength:   256,
			EventBuffer:     1024,
			WaitTimeout:     2 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&cfg.Link)
	}

	registry := dialect.NewRegistry(logger)
	require.NoError(t, dialect.RegisterDefaults(registry))

	opts := protocol.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	factory := protocol.NewFactory(opts, logger)

	journal, err := repository.NewBoltJournal(filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)

	bus := events.NewBus(1024, logger)
	go bus.Start()

	svc := service.NewLinkService(&cfg.Link, registry, factory.Dial, journal, bus, logger)
	svc.SetPortLister(func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"}}, nil
	})
	require.NoError(t, svc.Start(context.Background()))

	ws := NewWebSocketHandler(svc, bus, cfg.Security.AllowedOrigins, logger)

	scanners := discovery.NewScannerManager(logger)
	prober := discovery.NewProber(factory.Dial, registry, 500*time.Millisecond, logger)
	scanners.RegisterScanner(serialscan.NewScanner(prober, func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{{Name: "sim://bench"}}, nil
	}, nil, logger))

	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware())
	NewHealthHandler(nil, svc, cfg, logger).RegisterRoutes(engine.Group(""))
	apiV1 := engine.Group("/api/v1")
	NewLinkHandler(svc, logger).RegisterRoutes(apiV1)
	NewDiscoveryHandler(scanners, svc, logger).RegisterRoutes(apiV1)
	ws.RegisterRoutes(engine.Group("/ws"))

	t.Cleanup(func() {
		ws.Close()
		svc.Stop()
		bus.Stop()
		journal.Close()
	})
	return &testServer{engine: engine, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (s *testServer) connect(t *testing.T, port string) {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{"port": port})
	require.Equal(t, http.StatusOK, code, env.Message)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestConnectSubmitAndJournal(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{"port": "sim://http"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	snap := decode[link.Snapshot](t, env.Data)
	assert.Equal(t, link.StateIdle, snap.State)
	assert.Equal(t, "sim://http", snap.Port)

	code, env = s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X5", "wait": true})
	require.Equal(t, http.StatusOK, code)
	cmd := decode[model.CommandResponse](t, env.Data)
	assert.Equal(t, model.CommandStatusOK, cmd.Status)
	assert.True(t, cmd.Resolved)
	assert.Equal(t, "G0 X5", cmd.Command)

	require.Eventually(t, func() bool {
		code, env := s.do(t, http.MethodGet, "/api/v1/link/commands", nil)
		if code != http.StatusOK {
			return false
		}
		page := decode[struct {
			Items []model.CommandRecord `json:"items"`
			Total int                   `json:"total"`
		}](t, env.Data)
		return page.Total == 1 && page.Items[0].Status == model.CommandStatusOK
	}, 2*time.Second, 10*time.Millisecond)

	code, env = s.do(t, http.MethodGet, "/api/v1/link/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"state":"IDLE"`)

	code, env = s.do(t, http.MethodGet, "/api/v1/link/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	sessions := decode[struct {
		Items []model.SessionRecord `json:"items"`
		Total int                   `json:"total"`
	}](t, env.Data)
	require.Equal(t, 1, sessions.Total)
	assert.Equal(t, snap.ID, sessions.Items[0].ID)

	code, _ = s.do(t, http.MethodGet, "/api/v1/link/sessions/"+snap.ID.String(), nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodPost, "/api/v1/link/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"state":"DISCONNECTED"`)
}

func TestSubmitWithoutWaitIsAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://async")

	code, env := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X1"})
	require.Equal(t, http.StatusAccepted, code)
	cmd := decode[model.CommandResponse](t, env.Data)
	assert.NotEmpty(t, cmd.ID)
}

func TestConnectErrors(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{"port": "sim://x", "dialect": "marlin"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{"port": "tcp://127.0.0.1:1"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "CONNECTION_ERROR", env.Error.Code)

	s.connect(t, "sim://first")
	code, env = s.do(t, http.MethodPost, "/api/v1/link/connect", gin.H{"port": "sim://second"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Error.Code)
}

func TestOperationsWithoutSession(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/link/session", "/api/v1/link/commands"} {
		code, _ := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusConflict, code, path)
	}

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X1"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/hold", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestControllerRejection(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://reject")

	code, env := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G5 X1", "wait": true})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONTROLLER_REJECTED", env.Error.Code)
	require.NotNil(t, env.Error.ControllerCode)
	assert.Equal(t, 20, *env.Error.ControllerCode)

	// Halt-on-error fails the session
	require.Eventually(t, func() bool {
		snap, err := s.svc.Snapshot()
		return err == nil && snap.State == link.StateFailed
	}, time.Second, 5*time.Millisecond)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X1"})
	assert.Equal(t, http.StatusConflict, code)
}

func TestInvalidCommands(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://invalid")

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0\nX1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/jog", gin.H{"dx": 1, "dy": 1, "feed": 0})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": strings.Repeat("G0", 100)})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/link/sessions?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/link/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMotionEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://motion")

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/jog", gin.H{"dx": 1.5, "dy": -2, "feed": 500, "wait": true})
	require.Equal(t, http.StatusOK, code)

	session, err := s.svc.Current()
	require.NoError(t, err)
	sim, ok := session.Transport().(*protocol.SimConnection)
	require.True(t, ok)
	x, y, _ := sim.Position()
	assert.Equal(t, 1.5, x)
	assert.Equal(t, -2.0, y)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/move", gin.H{"x": 10, "y": 20, "feed": 1000, "wait": true})
	require.Equal(t, http.StatusOK, code)
	x, y, _ = sim.Position()
	assert.Equal(t, 10.0, x)
	assert.Equal(t, 20.0, y)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/home", gin.H{"wait": true})
	require.Equal(t, http.StatusOK, code)
	x, y, _ = sim.Position()
	assert.Zero(t, x)
	assert.Zero(t, y)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/unlock", nil)
	assert.Equal(t, http.StatusAccepted, code)
}

func TestRealtimeEndpoints(t *testing.T) {
	s := newTestServer(t, func(cfg *config.LinkConfig) { cfg.WaitTimeout = 100 * time.Millisecond })
	s.connect(t, "sim://realtime")

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/hold", nil)
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		snap, err := s.svc.Snapshot()
		return err == nil && snap.State == link.StateHold
	}, time.Second, 5*time.Millisecond)

	// Held commands stay queued past the wait timeout
	code, env := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X2", "wait": true})
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "TIMEOUT", env.Error.Code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/link/resume", nil)
	require.Equal(t, http.StatusAccepted, code)

	for _, path := range []string{"status", "jog-cancel", "reset"} {
		code, _ = s.do(t, http.MethodPost, "/api/v1/link/"+path, nil)
		assert.Equal(t, http.StatusAccepted, code, path)
	}
}

func TestPortsAndDialects(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodGet, "/api/v1/ports", nil)
	require.Equal(t, http.StatusOK, code)
	ports := decode[[]model.PortInfo](t, env.Data)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyACM0", ports[0].Name)
	assert.True(t, ports[0].IsUSB)

	code, env = s.do(t, http.MethodGet, "/api/v1/dialects", nil)
	require.Equal(t, http.StatusOK, code)
	dialects := decode[[]struct {
		Name string `json:"name"`
	}](t, env.Data)
	var names []string
	for _, d := range dialects {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"grbl", "grblhal"}, names)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "grbl-service", health.Service)
	assert.Equal(t, "healthy", health.Checks["journal"].Status)
	assert.Equal(t, "idle", health.Checks["link"].Status)
	assert.NotContains(t, health.Checks, "database")

	for path, want := range map[string]int{
		"/ready":     http.StatusOK,
		"/live":      http.StatusOK,
		"/health/db": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://ws")

	server := httptest.NewServer(s.engine)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events?topic=COMMAND_RESOLVED"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type message struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		RequestID string          `json:"request_id"`
	}
	read := func() message {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m message
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	// The snapshot is sent once the client is subscribed
	first := read()
	require.Equal(t, "session_snapshot", first.Type)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ping", "request_id": "r1"}))
	pong := read()
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, "r1", pong.RequestID)

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X3", "wait": true})
	require.Equal(t, http.StatusOK, code)

	ev := read()
	require.Equal(t, "link_event", ev.Type)
	linkEvent := decode[struct {
		EventType model.EventType `json:"event_type"`
		Data      struct {
			Command string              `json:"command"`
			Status  model.CommandStatus `json:"status"`
		} `json:"data"`
	}](t, ev.Data)
	assert.Equal(t, model.EventCommandResolved, linkEvent.EventType)
	assert.Equal(t, "G0X3", strings.ReplaceAll(linkEvent.Data.Command, " ", ""))
	assert.Equal(t, model.CommandStatusOK, linkEvent.Data.Status)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://panel.local"})

	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://panel.local")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestDiscoveryScanAndAutoConnect(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodGet, "/api/v1/discovery/scanners", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"serial"}, decode[[]string](t, env.Data))

	code, env = s.do(t, http.MethodGet, "/api/v1/discovery/scan?timeout=5s", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	scan := decode[struct {
		Found       int                               `json:"controllers_found"`
		Controllers []discovery.DiscoveredController `json:"controllers"`
	}](t, env.Data)
	require.Equal(t, 1, scan.Found)
	assert.Equal(t, "sim://bench", scan.Controllers[0].Port)
	assert.Equal(t, "grbl", scan.Controllers[0].Dialect)
	assert.Equal(t, 115200, scan.Controllers[0].BaudRate)

	code, env = s.do(t, http.MethodPost, "/api/v1/discovery/auto-connect", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.True(t, s.svc.PortInUse("sim://bench"))

	// the live session's port is skipped
	code, env = s.do(t, http.MethodGet, "/api/v1/discovery/scan", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, decode[struct {
		Found int `json:"controllers_found"`
	}](t, env.Data).Found)

	code, _ = s.do(t, http.MethodPost, "/api/v1/discovery/auto-connect", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDiscoveryBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodGet, "/api/v1/discovery/scan?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/discovery/scan?timeout=1h", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/discovery/scan?type=bluetooth", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionReportsTransportStats(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, "sim://stats")

	code, _ := s.do(t, http.MethodPost, "/api/v1/link/commands", gin.H{"command": "G0 X1", "wait": true})
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, http.MethodGet, "/api/v1/link/session", nil)
	require.Equal(t, http.StatusOK, code)
	data := decode[struct {
		Transport *protocol.Info `json:"transport"`
	}](t, env.Data)
	require.NotNil(t, data.Transport)
	assert.Equal(t, protocol.KindSim, data.Transport.Kind)
	assert.Equal(t, "sim://stats", data.Transport.Address)
	assert.True(t, data.Transport.Stats.IsConnected)
	assert.Greater(t, data.Transport.Stats.BytesWritten, int64(len("G0 X1\n")))
	assert.Greater(t, data.Transport.Stats.BytesRead, int64(0))

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	check := health.Checks["link"]
	assert.Equal(t, "sim", check.Data["transport"])
	assert.Greater(t, check.Data["bytes_written"], float64(0))

	_, err := s.svc.Disconnect()
	require.NoError(t, err)
	code, env = s.do(t, http.MethodGet, "/api/v1/link/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, decode[struct {
		Transport *protocol.Info `json:"transport"`
	}](t, env.Data).Transport)
}
