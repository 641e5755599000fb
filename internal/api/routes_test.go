package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirchat/mir-backend/internal/api/handlers"
	"github.com/mirchat/mir-backend/internal/auth"
	"github.com/mirchat/mir-backend/internal/llm"
	"github.com/mirchat/mir-backend/internal/metrics"
	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository/memory"
	"github.com/mirchat/mir-backend/internal/services"
	"github.com/mirchat/mir-backend/internal/session"
	"github.com/mirchat/mir-backend/internal/supervisor"
	"github.com/mirchat/mir-backend/internal/whatsapp"
	"github.com/mirchat/mir-backend/internal/writebehind"
)

type echoReplier struct{}

func (echoReplier) Reply(ctx context.Context, s session.Session, text string) (llm.Reply, error) {
	return llm.Reply{Text: "echo: " + text, InputTokens: 5, OutputTokens: 5}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) SendText(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, to+":"+body)
	return nil
}

type testEnv struct {
	app    *fiber.App
	svc    *services.Services
	sender *recordingSender
	sup    *supervisor.Supervisor
	jwt    *auth.JWTService
}

func newTestEnv(t *testing.T, appSecret string) *testEnv {
	t.Helper()
	m := metrics.NewCollector()
	store := session.NewStore(session.WithMetrics(m))
	users := writebehind.NewQueue[models.UserUpsert]("users", 100, nil, m)
	logs := writebehind.NewQueue[models.ChatLog]("chat_logs", 100, nil, m)
	sup := supervisor.New(supervisor.Config{}, nil, m)
	sender := &recordingSender{}
	sum := session.SummarizerFunc(func(ctx context.Context, existing, history string) (session.Summary, error) {
		return session.Summary{Text: "summary of: " + history}, nil
	})

	chat := services.NewChatService(store, echoReplier{}, sender, sum, memory.NewUserRepository(), users, logs, sup, services.ChatConfig{}, nil)
	svc := &services.Services{
		Chat:         chat,
		Sessions:     store,
		Health:       services.NewHealthMonitor(time.Second),
		Metrics:      m,
		UserQueue:    users,
		ChatLogQueue: logs,
	}
	jwtService := auth.NewJWTService("test-secret", "mir-backend")
	app := NewApp(svc, Options{
		Webhook: handlers.WebhookConfig{VerifyToken: "verify-me", AppSecret: appSecret},
		JWT:     jwtService,
	})
	return &testEnv{app: app, svc: svc, sender: sender, sup: sup, jwt: jwtService}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	_ = json.Unmarshal(body, &out)
	return resp.StatusCode, out
}

func (e *testEnv) adminRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	token, err := e.jwt.GenerateAdminToken("ops", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

const inboundPayload = `{"entry":[{"changes":[{"value":{
  "contacts":[{"wa_id":"U1","profile":{"name":"Sara"}}],
  "messages":[{"from":"U1","id":"wamid.1","type":"text","text":{"body":"hello"}}]}}]}]}`

func postWebhook(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(whatsapp.SignatureHeader, signature)
	}
	return req
}

func TestVerifyWebhook(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", string(body))

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/webhook?hub.verify_token=wrong&hub.challenge=42", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReceiveWebhook_HandlesText(t *testing.T) {
	env := newTestEnv(t, "")

	code, body := env.do(t, postWebhook(inboundPayload, ""))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "wamid.1", body["message_id"])
	require.NoError(t, env.sup.Wait(context.Background()))

	assert.Equal(t, []string{"U1:echo: hello"}, env.sender.sent)
	s, ok := env.svc.Sessions.Peek("U1")
	require.True(t, ok)
	assert.Len(t, s.History, 2)
	assert.Equal(t, 1, env.svc.ChatLogQueue.Len())
}

func TestReceiveWebhook_Acknowledgements(t *testing.T) {
	env := newTestEnv(t, "")

	_, body := env.do(t, postWebhook(`{"entry":[{"changes":[{"value":{"statuses":[{}]}}]}]}`, ""))
	assert.Equal(t, "no_user_message", body["status"])

	_, body = env.do(t, postWebhook(`{"entry":[{"changes":[{"value":{"messages":[{"from":"U1","id":"m2","type":"image"}]}}]}]}`, ""))
	assert.Equal(t, "no_text", body["status"])
	assert.Equal(t, "m2", body["message_id"])

	_, body = env.do(t, postWebhook(`{"entry": "nope"}`, ""))
	assert.Equal(t, "error", body["status"])
	assert.Empty(t, env.sender.sent)
}

func TestReceiveWebhook_SendFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.sender.err = errors.New("graph api down")

	code, body := env.do(t, postWebhook(inboundPayload, ""))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "graph api down")
}

func TestReceiveWebhook_Signature(t *testing.T) {
	env := newTestEnv(t, "app-secret")

	code, _ := env.do(t, postWebhook(inboundPayload, "sha256=deadbeef"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := env.do(t, postWebhook(inboundPayload, whatsapp.Sign("app-secret", []byte(inboundPayload))))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	require.NoError(t, env.sup.Wait(context.Background()))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	code, body := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	env.svc.Health.Register("postgres", func(ctx context.Context) error { return errors.New("down") })
	code, body = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t, "")

	code, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	code, _ = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdmin_Sessions(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.Sessions.AppendExchange("U1", "hi", "hello")
	require.NoError(t, env.svc.Sessions.AddTokens("U1", 10, 4, true))

	code, body := env.do(t, env.adminRequest(t, http.MethodGet, "/api/v1/sessions"))
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = env.do(t, env.adminRequest(t, http.MethodGet, "/api/v1/sessions/U1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "U1", body["key"])
	assert.Len(t, body["history"], 2)

	code, _ = env.do(t, env.adminRequest(t, http.MethodGet, "/api/v1/sessions/nobody"))
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.svc.Sessions.Exists("nobody"))
}

func TestAdmin_Rollup(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.Sessions.AppendExchange("U1", "hi", "hello")

	code, body := env.do(t, env.adminRequest(t, http.MethodPost, "/api/v1/sessions/U1/rollup"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["summarized"])
	assert.Equal(t, "summary of: user: hi\nassistant: hello", body["summary"])

	s, _ := env.svc.Sessions.Peek("U1")
	assert.Empty(t, s.History)

	code, _ = env.do(t, env.adminRequest(t, http.MethodPost, "/api/v1/sessions/nobody/rollup"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdmin_Stats(t *testing.T) {
	env := newTestEnv(t, "")
	env.svc.Sessions.Get("U1")
	env.svc.UserQueue.Enqueue(models.UserUpsert{ExternalID: "U1"})

	code, body := env.do(t, env.adminRequest(t, http.MethodGet, "/api/v1/stats"))
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["sessions"])

	queues, ok := body["queues"].([]interface{})
	require.True(t, ok)
	require.Len(t, queues, 2)
	assert.EqualValues(t, 1, queues[0].(map[string]interface{})["length"])
}
