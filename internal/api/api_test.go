package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/db"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/metrics"
	"github.com/uniport-net/uniport/internal/server"
)

const testToken = "s3cret"

func newTestAPI(t *testing.T) (*Server, *server.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	sc := cfg.GetServer()
	sc.BindAddress = "127.0.0.1"
	sc.ReliablePort = 0
	sc.DatagramPort = -1
	cfg.SetServer(sc)
	app := cfg.GetApplicationData()
	app.API.Token = testToken
	app.API.RateLimitRPS = 0
	app.Logging.Directory = t.TempDir()
	cfg.SetApplicationData(app)

	store, err := db.NewStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := events.NewEventBus()
	m := metrics.New()
	mgr, err := server.NewManager(cfg, bus, store, m, "9.9.9")
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		mgr.Close()
		bus.Stop()
		store.Close()
	})

	api := NewServer(cfg, bus, mgr)
	api.SetDependencies(nil, m.Gatherer())
	return api, mgr
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestPublicEndpointsNeedNoToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := do(t, h, http.MethodGet, "/api/public/ping", "", false)
	if rec.Code != http.StatusOK || decode(t, rec)["version"] != "9.9.9" {
		t.Fatalf("ping: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/public/server_info", "", false)
	info := decode(t, rec)
	if rec.Code != http.StatusOK || info["name"] != "Uniport" || info["players"] != float64(0) {
		t.Fatalf("server_info: %d %s", rec.Code, rec.Body)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodGet, "/api/sessions", "", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions", "", true)
	if rec.Code != http.StatusOK || decode(t, rec)["total"] != float64(0) {
		t.Fatalf("sessions: %d %s", rec.Code, rec.Body)
	}
}

func TestKickErrors(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodDelete, "/api/sessions/nothex", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/sessions/0000beef", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/0000beef", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown id: %d", rec.Code)
	}
}

func TestBanLifecycle(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodPost, "/api/bans", `{"ip":"not-an-ip"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid ip: %d %s", rec.Code, rec.Body)
	}
	rec := do(t, h, http.MethodPost, "/api/bans", `{"ip":"203.0.113.9","reason":"spam","minutes":30}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("ban: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/bans", "", true)
	if decode(t, rec)["total"] != float64(1) {
		t.Fatalf("bans: %s", rec.Body)
	}

	if rec := do(t, h, http.MethodDelete, "/api/bans/203.0.113.9", "", true); rec.Code != http.StatusOK {
		t.Fatalf("unban: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodDelete, "/api/bans/203.0.113.9", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("second unban: %d", rec.Code)
	}
}

func TestBroadcastValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodPost, "/api/broadcast", `{"text":"   "}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank text: %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/broadcast", `{"text":"hello"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("broadcast: %d %s", rec.Code, rec.Body)
	}
}

func TestSetConfig(t *testing.T) {
	api, mgr := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodPost, "/api/config", `{"section":"server","key":"nope","value":1}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/config", `{"section":"server","key":"bucket_count","value":0}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid value: %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/config", `{"section":"server","key":"motd","value":"hi there"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("set motd: %d %s", rec.Code, rec.Body)
	}
	if st := mgr.Status(); st.Motd != "hi there" {
		t.Fatalf("motd=%q", st.Motd)
	}

	rec = do(t, h, http.MethodGet, "/api/config", "", true)
	app := decode(t, rec)["application_data"].(map[string]interface{})
	if app["api"].(map[string]interface{})["token"] != "********" {
		t.Fatalf("token not masked: %s", rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := do(t, api.Handler(), http.MethodGet, "/metrics", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "uniport_sessions_active") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	if !rl.allow("10.0.0.1", now) || !rl.allow("10.0.0.1", now) {
		t.Fatalf("burst not allowed")
	}
	if rl.allow("10.0.0.1", now) {
		t.Fatalf("third request within the same instant allowed")
	}
	if !rl.allow("10.0.0.2", now) {
		t.Fatalf("limits leak across clients")
	}
	if !rl.allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatalf("bucket did not refill")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
	}
	for header, want := range cases {
		if got := extractBearerToken(header); got != want {
			t.Errorf("extractBearerToken(%q)=%q want %q", header, got, want)
		}
	}
}
