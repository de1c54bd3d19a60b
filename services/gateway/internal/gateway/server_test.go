package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/backend/backendtest"
	"github.com/cmsadmin/pkg/menu"
	"github.com/cmsadmin/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	app      *fiber.App
	backend  *backendtest.Backend
	sessions *Sessions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	b := backendtest.New()
	b.AddUser("admin-1", "admin@example.com", "secret", backend.RoleAdmin)
	b.SetCodes("admin-1", menu.CodeDashboard, menu.CodePosts, menu.CodeSystemRoles+":read")
	b.SetCatalog(
		backend.CatalogEntry{Code: menu.CodeDashboard, Name: "仪表盘"},
		backend.CatalogEntry{Code: menu.CodePosts, Name: "帖子管理"},
		backend.CatalogEntry{Code: menu.CodeWiki, Name: "知识库"},
	)

	sessions := NewSessions(factoryFor(b), 0)
	t.Cleanup(sessions.CloseAll)

	app := NewServer(Options{
		Name:     "cms-admin-test",
		Version:  "v1.0.0",
		Backend:  "test",
		Sessions: sessions,
	})
	return &testServer{app: app, backend: b, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path, sessionID string, body any) (int, envelope, http.Header) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(middleware.SessionHeader, sessionID)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env, resp.Header
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	status, env, header := s.do(t, fiber.MethodPost, "/auth/login", "", map[string]string{
		"email":    "admin@example.com",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status, env.Message)

	var res LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.True(t, res.Success)
	assert.Equal(t, "/", res.RedirectTo)
	assert.Equal(t, res.SessionID, header.Get(middleware.SessionHeader))
	return res.SessionID
}

func TestServer_LoginFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.login(t)
	assert.Equal(t, 1, s.sessions.Len())

	t.Run("check", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodGet, "/auth/check", id, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"authenticated":true}`, string(env.Data))
	})

	t.Run("identity", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodGet, "/auth/identity", id, nil)
		require.Equal(t, http.StatusOK, status)
		var ident map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &ident))
		assert.Equal(t, "admin-1", ident["id"])
		assert.Equal(t, "admin@example.com", ident["email"])
	})

	t.Run("permissions", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodGet, "/auth/permissions", id, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(env.Data), menu.CodePosts)
	})

	t.Run("can", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodPost, "/access/can", id, map[string]any{
			"action": "list", "resource": "cms_roles",
		})
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"can":true}`, string(env.Data))

		_, env, _ = s.do(t, fiber.MethodPost, "/access/can", id, map[string]any{
			"action": "delete", "resource": "cms_roles",
		})
		assert.JSONEq(t, `{"can":false,"reason":"Access Denied"}`, string(env.Data))
	})

	t.Run("can hard delete", func(t *testing.T) {
		_, env, _ := s.do(t, fiber.MethodPost, "/access/can", id, map[string]any{
			"action": "delete", "resource": menu.CodePosts,
		})
		assert.JSONEq(t, `{"can":true}`, string(env.Data))

		status, env, _ := s.do(t, fiber.MethodPost, "/access/can", id, map[string]any{
			"action":   "delete",
			"resource": menu.CodePosts,
			"params":   map[string]any{"meta": map[string]any{"hardDelete": true}},
		})
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"can":false,"reason":"普通管理员无法执行物理删除"}`, string(env.Data))
	})

	t.Run("menu", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodGet, "/menu/resources", id, nil)
		require.Equal(t, http.StatusOK, status)
		var resources []map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &resources))
		require.Len(t, resources, 2)
		assert.NotContains(t, string(env.Data), menu.CodeWiki)
	})

	t.Run("refresh", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodPost, "/auth/refresh", id, nil)
		require.Equal(t, http.StatusOK, status, env.Message)
		assert.JSONEq(t, `{"authenticated":true}`, string(env.Data))
	})

	t.Run("logout", func(t *testing.T) {
		status, env, _ := s.do(t, fiber.MethodPost, "/auth/logout", id, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"success":true,"redirectTo":"/login"}`, string(env.Data))
		assert.Equal(t, 0, s.sessions.Len())
		assert.Equal(t, 1, s.backend.Calls("SignOut"))

		status, _, _ = s.do(t, fiber.MethodGet, "/auth/identity", id, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestServer_LoginFailure(t *testing.T) {
	s := newTestServer(t)

	status, env, header := s.do(t, fiber.MethodPost, "/auth/login", "", map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, header.Get(middleware.SessionHeader))
	assert.Contains(t, string(env.Data), `"success":false`)
	assert.Equal(t, 0, s.sessions.Len(), "失败的登录不保留会话")

	status, _, _ = s.do(t, fiber.MethodPost, "/auth/login", "", map[string]string{"email": "admin@example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_Register(t *testing.T) {
	s := newTestServer(t)

	status, env, header := s.do(t, fiber.MethodPost, "/auth/register", "", map[string]string{
		"email":    "new@example.com",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.JSONEq(t, `{"success":true,"redirectTo":"/login"}`, string(env.Data))
	assert.Empty(t, header.Get(middleware.SessionHeader))
	assert.Equal(t, 0, s.sessions.Len(), "注册不保留会话")
	assert.Equal(t, 1, s.backend.Calls("SignUp"))

	// 普通用户无法登录后台
	status, _, _ = s.do(t, fiber.MethodPost, "/auth/login", "", map[string]string{
		"email":    "new@example.com",
		"password": "secret",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env, _ = s.do(t, fiber.MethodPost, "/auth/register", "", map[string]string{
		"email":    "admin@example.com",
		"password": "secret",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(env.Data), `"RegisterError"`)

	status, _, _ = s.do(t, fiber.MethodPost, "/auth/register", "", map[string]string{"email": "x@example.com"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_Anonymous(t *testing.T) {
	s := newTestServer(t)

	status, env, _ := s.do(t, fiber.MethodGet, "/auth/check", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"authenticated":false,"redirectTo":"/login"}`, string(env.Data))

	status, env, _ = s.do(t, fiber.MethodPost, "/access/can", "", map[string]any{
		"action": "list", "resource": "posts",
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"can":false,"reason":"Unauthenticated"}`, string(env.Data))

	status, _, _ = s.do(t, fiber.MethodGet, "/menu/resources", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = s.do(t, fiber.MethodGet, "/events", "unknown-session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env, _ = s.do(t, fiber.MethodPost, "/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"success":true,"redirectTo":"/login"}`, string(env.Data))
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	s.login(t)

	status, env, _ := s.do(t, fiber.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "v1.0.0", health.Version)
	assert.Equal(t, "test", health.Backend)
	assert.Equal(t, 1, health.Sessions)
}

func TestServer_AllowOrigins(t *testing.T) {
	app := NewServer(Options{
		Name:         "cms-admin-test",
		Sessions:     NewSessions(factoryFor(backendtest.New()), 0),
		AllowOrigins: []string{"https://admin.example.com"},
	})

	for origin, want := range map[string]string{
		"https://admin.example.com": "https://admin.example.com",
		"https://evil.example.com":  "",
	} {
		req := httptest.NewRequest(fiber.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.Header.Get("Access-Control-Allow-Origin"), origin)
	}
}
