package controller

import (
	"buylist_backend/internal/config"
	"buylist_backend/internal/middleware"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/service"
	"buylist_backend/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopInvitations struct{}

func (nopInvitations) Send(context.Context, string, string, string) error { return nil }

type testServer struct {
	router   *gin.Engine
	sessions *service.SessionManager
	notifier *service.ChangeNotifier
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := &config.Config{
		JWT:     config.JWTConfig{Secret: "test-secret-test-secret-test-secret", ExpireTime: time.Hour},
		Storage: config.StorageConfig{Type: "local", LocalPath: t.TempDir()},
	}

	userRepo := repository.NewUserRepository(db)
	friendRepo := repository.NewFriendshipRepository(db)
	shareRepo := repository.NewCardShareRepository(db)
	cardRepo := repository.NewCardRepository(db)

	membership := service.NewMembershipService(db, userRepo, friendRepo, shareRepo, nopInvitations{})
	cards := service.NewCardService(db, cardRepo, shareRepo, userRepo, service.NewStorageService(cfg))
	notifier := service.NewChangeNotifier(nil, 4)
	sessions := service.NewSessionManager(notifier, &service.Projections{Cards: cards, Members: membership}, 0)

	revoker := service.NewRedisTokenRevoker(rdb)
	auth := NewAuthController(service.NewAuthService(userRepo, cfg, revoker, service.NewRedisPasswordResetSender(rdb)))
	friend := NewFriendController(membership)
	card := NewCardController(cards)
	updates := NewUpdatesController(sessions)

	r := gin.New()
	r.Use(middleware.ConfigMiddleware(func() *config.Config { return cfg }))
	r.POST("/api/register", auth.Register)
	r.POST("/api/login", auth.Login)
	r.POST("/api/forget", auth.Forget)

	api := r.Group("/api", middleware.AuthMiddleware(revoker))
	api.POST("/logout", auth.Logout)
	api.GET("/friends", friend.GetFriends)
	api.GET("/friends/requests", friend.GetRequests)
	api.POST("/friends/becomefriend", friend.BecomeFriend)
	api.PUT("/friends/:id/friendship/request", friend.ApproveRequest)
	api.DELETE("/friends/:id/friendship", friend.Unfriend)
	api.GET("/cards", card.GetCards)
	api.POST("/cards/new", card.CreateCard)
	api.GET("/cards/:id", card.GetCard)
	api.POST("/cards/:id/share", card.ShareCard)
	api.GET("/updates", updates.Updates)
	api.GET("/updates/ws", updates.UpdatesWS)

	return &testServer{router: r, sessions: sessions, notifier: notifier, redis: mr}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
}

type loggedIn struct {
	Token string
	ID    string
}

func (s *testServer) signup(t *testing.T, name string) loggedIn {
	t.Helper()
	email := name + "@example.com"
	w := s.do(t, http.MethodPost, "/api/register", "", gin.H{"userName": name, "email": email, "password": "secret1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/login", "", gin.H{"email": email, "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decode(t, w, &out)
	return loggedIn{Token: out.Token, ID: out.User.ID}
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")
	assert.NotEmpty(t, alice.Token)
	assert.NotEmpty(t, alice.ID)

	w := s.do(t, http.MethodPost, "/api/register", "", gin.H{"userName": "again", "email": "alice@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/login", "", gin.H{"email": "alice@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/friends", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/friends", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LogoutRevokesToken(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")

	w := s.do(t, http.MethodGet, "/api/friends", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/logout", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/friends", alice.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/api/logout", alice.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 重新登录拿到新 token
	w = s.do(t, http.MethodPost, "/api/login", "", gin.H{"email": "alice@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Token string `json:"token"`
	}
	decode(t, w, &out)
	w = s.do(t, http.MethodGet, "/api/friends", out.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_LogoutFailsClosedWhenRedisIsDown(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")

	s.redis.SetError("ERR redis unavailable")
	w := s.do(t, http.MethodGet, "/api/friends", alice.Token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuth_Forget(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "alice")

	w := s.do(t, http.MethodPost, "/api/forget", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/forget", "", gin.H{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/forget", "", gin.H{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "further instructions")
	items, err := s.redis.List("password_resets:outbox")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFriends_RequestApproveUnfriend(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bob")

	w := s.do(t, http.MethodPost, "/api/friends/becomefriend", bob.Token, gin.H{"userId": alice.ID, "text": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// 重复请求幂等
	w = s.do(t, http.MethodPost, "/api/friends/becomefriend", bob.Token, gin.H{"userId": alice.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/friends/requests", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reqs struct {
		Requests []json.RawMessage `json:"requests"`
	}
	decode(t, w, &reqs)
	assert.Len(t, reqs.Requests, 1)

	w = s.do(t, http.MethodPut, "/api/friends/"+bob.ID+"/friendship/request", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 没有请求时批准返回 404
	w = s.do(t, http.MethodPut, "/api/friends/"+bob.ID+"/friendship/request", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/friends", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), alice.ID)

	w = s.do(t, http.MethodDelete, "/api/friends/"+bob.ID+"/friendship", alice.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodDelete, "/api/friends/"+bob.ID+"/friendship", alice.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCards_CreateShareAndAccess(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bob")

	w := s.do(t, http.MethodPost, "/api/cards/new", alice.Token, gin.H{"card": gin.H{"name": "  Groceries "}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Card struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"card"`
	}
	decode(t, w, &created)
	assert.Equal(t, "Groceries", created.Card.Name)

	w = s.do(t, http.MethodPost, "/api/cards/new", alice.Token, gin.H{"card": gin.H{"name": "   "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/cards/"+created.Card.ID, bob.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/cards/"+created.Card.ID+"/share", alice.Token, gin.H{"userId": bob.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/cards/"+created.Card.ID, bob.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/cards", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Card.ID)
}

func TestUpdates_RejectsNonSSE(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/updates", nil)
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "non-SSE requests")
}

func TestUpdates_StreamsKeepAlive(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")
	s.sessions.SetHeartbeatPeriod(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/updates?token="+alice.Token, nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, `data: {"message":"keep-alive"}`)
	assert.NotContains(t, body, "event: ")
}

func TestUpdates_WebSocketStreamsAndUnsubscribesOnClose(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup(t, "alice")
	s.sessions.SetHeartbeatPeriod(20 * time.Millisecond)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/updates/ws?token=" + alice.Token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `data: {"message":"keep-alive"}`)
	assert.Equal(t, 1, s.notifier.Subscribers())

	s.notifier.Broadcast(service.TopicCards)
	found := false
	for i := 0; i < 20 && !found; i++ {
		_, msg, err = conn.ReadMessage()
		require.NoError(t, err)
		found = strings.Contains(string(msg), "event: "+service.EventCardsUpdate)
	}
	assert.True(t, found, "no cards frame")

	// 客户端断开后服务端结束会话并退订
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.notifier.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpdates_WebSocketRequiresToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/updates/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
