package baas

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cmsadmin/pkg/backend"
	"github.com/cmsadmin/pkg/config"
	"github.com/cmsadmin/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anonKey = "anon-key"

type recorded struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   []byte
}

type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{routes: make(map[string]func(http.ResponseWriter, *http.Request))}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		q := make(map[string]string)
		for k, v := range r.URL.Query() {
			q[k] = v[0]
		}
		s.mu.Lock()
		s.requests = append(s.requests, recorded{method: r.Method, path: r.URL.Path, query: q, header: r.Header.Clone(), body: body})
		h := s.routes[r.Method+" "+r.URL.Path]
		s.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) handle(method, path string, h func(w http.ResponseWriter, r *http.Request)) {
	s.mu.Lock()
	s.routes[method+" "+path] = h
	s.mu.Unlock()
}

func (s *fakeServer) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func jsonReply(status int, v any) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func newClient(s *fakeServer) *Client {
	return New(&config.BaaSConfig{URL: s.URL + "/", AnonKey: anonKey, Timeout: 2 * time.Second})
}

func TestSignIn(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/token", jsonReply(200, map[string]any{
		"access_token":  "at",
		"refresh_token": "rt",
		"expires_in":    3600,
		"expires_at":    1900000000,
		"user":          map[string]any{"id": "u1", "email": "admin@example.com"},
	}))

	sess, err := newClient(s).SignIn(context.Background(), "admin@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "admin@example.com", sess.Email)
	assert.Equal(t, "at", sess.AccessToken)
	assert.Equal(t, "rt", sess.RefreshToken)
	assert.Equal(t, time.Unix(1900000000, 0), sess.ExpiresAt)

	req := s.last()
	assert.Equal(t, "password", req.query["grant_type"])
	assert.Equal(t, anonKey, req.header.Get("apikey"))
	assert.Equal(t, "Bearer "+anonKey, req.header.Get("Authorization"))
	assert.JSONEq(t, `{"email":"admin@example.com","password":"pw"}`, string(req.body))
}

func TestSignIn_ExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u9",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/token", jsonReply(200, map[string]any{"access_token": token}))

	sess, err := newClient(s).SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u9", sess.UserID)
	assert.True(t, exp.Equal(sess.ExpiresAt))
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/token", jsonReply(400, map[string]any{
		"error":             "invalid_grant",
		"error_description": "Invalid login credentials",
	}))

	_, err := newClient(s).SignIn(context.Background(), "a@b.c", "bad")
	require.Error(t, err)
	assert.Equal(t, 401, errors.GetCode(err))
	assert.Equal(t, errors.ErrInvalidCredential.Message, errors.GetMessage(err))
}

func TestSignUp(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/signup", jsonReply(200, map[string]any{
		"id":    "u2",
		"email": "new@example.com",
	}))

	require.NoError(t, newClient(s).SignUp(context.Background(), "new@example.com", "pw"))

	req := s.last()
	assert.Equal(t, "/auth/v1/signup", req.path)
	assert.Equal(t, "Bearer "+anonKey, req.header.Get("Authorization"))
	assert.JSONEq(t, `{"email":"new@example.com","password":"pw"}`, string(req.body))
}

func TestSignUp_AlreadyRegistered(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/signup", jsonReply(422, map[string]any{
		"code": 422,
		"msg":  "User already registered",
	}))

	err := newClient(s).SignUp(context.Background(), "a@b.c", "pw")
	require.Error(t, err)
	assert.Equal(t, 422, errors.GetCode(err))
	assert.Equal(t, "User already registered", errors.GetMessage(err))
}

func TestRefresh(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/token", jsonReply(200, map[string]any{
		"access_token": "at2",
		"expires_in":   60,
		"user":         map[string]any{"id": "u1"},
	}))
	c := newClient(s)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	sess, err := c.Refresh(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "at2", sess.AccessToken)
	assert.Equal(t, now.Add(time.Minute), sess.ExpiresAt)
	assert.Equal(t, "refresh_token", s.last().query["grant_type"])
}

func TestSignOut_ExpiredTokenIsSuccess(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/auth/v1/logout", jsonReply(401, map[string]any{"msg": "invalid JWT"}))

	assert.NoError(t, newClient(s).SignOut(context.Background(), "at"))
	assert.Equal(t, "Bearer at", s.last().header.Get("Authorization"))
}

func TestGetUser(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodGet, "/auth/v1/user", jsonReply(200, map[string]any{"id": "u1", "email": "x@y.z"}))

	u, err := newClient(s).GetUser(context.Background(), "at")
	require.NoError(t, err)
	assert.Equal(t, &backend.User{ID: "u1", Email: "x@y.z"}, u)
}

func TestFetchProfile(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodGet, "/rest/v1/profiles", jsonReply(200, []map[string]any{
		{"id": "u1", "role": "admin", "nickname": "Ann", "avatar_url": "a.png", "email": "ann@example.com"},
	}))

	p, err := newClient(s).FetchProfile(context.Background(), "at", "u1")
	require.NoError(t, err)
	assert.Equal(t, &backend.Profile{ID: "u1", Role: "admin", Nickname: "Ann", AvatarURL: "a.png", Email: "ann@example.com"}, p)

	req := s.last()
	assert.Equal(t, "eq.u1", req.query["id"])
	assert.Equal(t, profileColumns, req.query["select"])
}

func TestFetchProfile_Missing(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodGet, "/rest/v1/profiles", jsonReply(200, []any{}))

	p, err := newClient(s).FetchProfile(context.Background(), "at", "u1")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestFetchPermissionCodes(t *testing.T) {
	tests := []struct {
		name  string
		reply any
		want  []string
	}{
		{"strings", []string{"/wiki", "/users:read"}, []string{"/wiki", "/users:read"}},
		{"objects", []map[string]string{{"code": "*"}}, []string{"*"}},
		{"empty", []string{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeServer(t)
			s.handle(http.MethodPost, "/rest/v1/rpc/"+permissionCodesRPC, jsonReply(200, tt.reply))

			got, err := newClient(s).FetchPermissionCodes(context.Background(), "at")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "Bearer at", s.last().header.Get("Authorization"))
		})
	}
}

func TestFetchPermissionCodes_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode int
		authFail bool
	}{
		{"expired jwt", 401, 401, true},
		{"forbidden", 403, 403, true},
		{"server error", 500, 502, false},
		{"bad gateway", 503, 502, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeServer(t)
			s.handle(http.MethodPost, "/rest/v1/rpc/"+permissionCodesRPC, jsonReply(tt.status, map[string]any{"message": "boom"}))

			_, err := newClient(s).FetchPermissionCodes(context.Background(), "at")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
			assert.Equal(t, tt.authFail, errors.IsAuthFailure(err))
		})
	}
}

func TestFetchPermissionCatalog(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodGet, "/rest/v1/cms_permissions", jsonReply(200, []map[string]any{
		{"id": 1, "code": "/dashboard", "name": "仪表盘"},
		{"id": 2, "code": "legacy", "name": "旧权限"},
		{"id": 3, "code": "/wiki", "name": "知识库"},
	}))

	got, err := newClient(s).FetchPermissionCatalog(context.Background(), "at")
	require.NoError(t, err)
	assert.Equal(t, []backend.CatalogEntry{
		{ID: 1, Code: "/dashboard", Name: "仪表盘"},
		{ID: 3, Code: "/wiki", Name: "知识库"},
	}, got)

	req := s.last()
	assert.Equal(t, "id", req.query["order"])
	assert.Equal(t, "like./*", req.query["code"])
}

func TestInsertAuditLog(t *testing.T) {
	s := newFakeServer(t)
	s.handle(http.MethodPost, "/rest/v1/audit_logs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	err := newClient(s).InsertAuditLog(context.Background(), "at", &backend.AuditEntry{
		OperatorID: "u1",
		Action:     "UPDATE",
		Resource:   "wiki_articles",
		TargetID:   "42",
		NewData:    map[string]any{"title": "x"},
	})
	require.NoError(t, err)

	req := s.last()
	assert.Equal(t, "return=minimal", req.header.Get("Prefer"))
	assert.JSONEq(t, `{"operator_id":"u1","action":"UPDATE","resource":"wiki_articles","target_id":"42","previous_data":null,"new_data":{"title":"x"}}`, string(req.body))
}

func TestUnreachableIsUpstream(t *testing.T) {
	s := newFakeServer(t)
	c := newClient(s)
	s.Close()

	_, err := c.GetUser(context.Background(), "at")
	require.Error(t, err)
	assert.Equal(t, 502, errors.GetCode(err))
}

func TestCancelledContext(t *testing.T) {
	s := newFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(s).FetchPermissionCodes(ctx, "at")
	assert.Error(t, err)
}
