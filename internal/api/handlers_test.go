package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrecall/internal/auth"
	"chatrecall/internal/config"
	"chatrecall/internal/ingest"
	"chatrecall/internal/service/ai"
	"chatrecall/internal/service/assistant"
	"chatrecall/internal/storage"
	"chatrecall/internal/worker"
)

// echoCompleter answers every message with a fixed prefix.
type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, req ai.CompletionRequest, onChunk func(string) error) (string, error) {
	reply := "noted: " + req.Message
	if onChunk != nil {
		if err := onChunk(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)

	// Provider key is required before chatting.
	tokenResp := doJSONRequest(t, router, http.MethodPost, base+"/token",
		map[string]string{"provider": "openai", "token": "sk-mock-1234"}, authHeader)
	assertStatus(t, tokenResp, http.StatusNoContent)
	listResp := doJSONRequest(t, router, http.MethodGet, base+"/token", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	if !strings.Contains(listResp.Body.String(), "****1234") {
		t.Fatalf("expected masked token hint, got %s", listResp.Body.String())
	}

	startResp := doJSONRequest(t, router, http.MethodPost, base+"/sessions", nil, authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		Session struct {
			ID     string `json:"id"`
			Active bool   `json:"active"`
		} `json:"session"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.Session.ID == "" || !startBody.Session.Active {
		t.Fatalf("expected an active session, got %s", startResp.Body.String())
	}
	sessionID := startBody.Session.ID

	firstMessage := "Hello, remember my name is Bob."
	sendResp := doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{
		"session_id": sessionID,
		"content":    firstMessage,
		"provider":   "openai",
		"model_type": "gpt-test",
	}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE events, got %d: %s", len(events), sendResp.Body.String())
	}
	if events[0].Name != "ack" || events[1].Name != "stream" || events[2].Name != "done" {
		t.Fatalf("unexpected event order %+v", events)
	}
	var donePayload struct {
		Turn struct {
			UserText      string `json:"user_text"`
			AssistantText string `json:"assistant_text"`
		} `json:"turn"`
		Persisted bool `json:"persisted"`
	}
	decodeJSON(t, []byte(events[2].Data), &donePayload)
	if donePayload.Turn.UserText != firstMessage || donePayload.Turn.AssistantText != "noted: "+firstMessage {
		t.Fatalf("unexpected done payload %s", events[2].Data)
	}
	if !donePayload.Persisted {
		t.Fatalf("turn should be persisted")
	}

	ctxResp := doJSONRequest(t, router, http.MethodGet,
		base+"/context?session_id="+sessionID+"&message=what+is+my+name", nil, authHeader)
	assertStatus(t, ctxResp, http.StatusOK)
	if !strings.Contains(ctxResp.Body.String(), "Bob") {
		t.Fatalf("assembled context should mention the earlier turn: %s", ctxResp.Body.String())
	}

	statsResp := doJSONRequest(t, router, http.MethodGet, base+"/stats", nil, authHeader)
	assertStatus(t, statsResp, http.StatusOK)
	var statsBody struct {
		Store struct {
			Turns    int `json:"turns"`
			Sessions int `json:"sessions"`
		} `json:"store"`
		Session struct {
			BufferTurns int `json:"buffer_turns"`
		} `json:"session"`
	}
	decodeJSON(t, statsResp.Body.Bytes(), &statsBody)
	if statsBody.Store.Turns != 1 || statsBody.Store.Sessions != 1 || statsBody.Session.BufferTurns != 1 {
		t.Fatalf("unexpected stats %s", statsResp.Body.String())
	}

	// Logout revokes the token.
	logoutResp := doJSONRequest(t, router, http.MethodPost, base+"/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	afterLogout := doJSONRequest(t, router, http.MethodGet, base+"/sessions", nil, authHeader)
	assertStatus(t, afterLogout, http.StatusUnauthorized)
}

func TestMessageErrors(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)

	// no provider key yet
	resp := doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{
		"session_id": "s", "content": "hi", "provider": "openai",
	}, authHeader)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("expected a single error event, got %s", resp.Body.String())
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, base+"/token",
		map[string]string{"provider": "openai", "token": "sk"}, authHeader), http.StatusNoContent)
	first := startSession(t, router, base, authHeader)
	startSession(t, router, base, authHeader)

	// the first session lost its active flag
	resp = doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{
		"session_id": first, "content": "hi", "provider": "openai",
	}, authHeader)
	events = parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %s", resp.Body.String())
	}
	var errPayload struct {
		Status int `json:"status"`
	}
	decodeJSON(t, []byte(events[1].Data), &errPayload)
	if errPayload.Status != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", errPayload.Status)
	}

	// resuming makes it usable again
	resume := doJSONRequest(t, router, http.MethodPost, base+"/sessions", map[string]string{"session_id": first}, authHeader)
	assertStatus(t, resume, http.StatusOK)
	missing := doJSONRequest(t, router, http.MethodPost, base+"/sessions", map[string]string{"session_id": "nope"}, authHeader)
	assertStatus(t, missing, http.StatusNotFound)

	// a malformed client clock is refused before the turn starts
	resp = doJSONRequest(t, router, http.MethodPost, base+"/messages", map[string]any{
		"session_id": first, "content": "hi", "provider": "openai", "client_time": "yesterday",
	}, authHeader)
	events = parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("expected a single error event for a bad client_time, got %s", resp.Body.String())
	}
}

func TestClientClock(t *testing.T) {
	at, zone, err := clientClock(inputRequest{ClientTime: "2024-03-03T09:30:00-05:00", TimeZone: " Nowhere/Invalid "})
	if err != nil {
		t.Fatalf("clientClock: %v", err)
	}
	if zone != "Nowhere/Invalid" {
		t.Fatalf("zone label = %q", zone)
	}
	if _, offset := at.Zone(); offset != -5*3600 || at.Hour() != 9 {
		t.Fatalf("unknown zone must keep the reported offset, got %v", at)
	}

	at, _, err = clientClock(inputRequest{ClientTime: "2024-03-03T09:30:00Z", TimeZone: "UTC"})
	if err != nil || !at.Equal(time.Date(2024, 3, 3, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("utc clock = %v, %v", at, err)
	}

	if at, zone, err := clientClock(inputRequest{}); err != nil || !at.IsZero() || zone != "" {
		t.Fatalf("absent clock = %v %q %v", at, zone, err)
	}
	if _, _, err := clientClock(inputRequest{ClientTime: "03/03/2024"}); err == nil {
		t.Fatalf("expected an error for a non RFC 3339 time")
	}
}

func TestPathUserMustMatchToken(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	other, _ := registerAndLogin(t, router)
	if other == userID {
		t.Fatalf("expected distinct users")
	}
	resp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/users/%d/sessions", other), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestDocumentsUploadListDelete(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write([]byte("The oven runs hot at 250 degrees."))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, base+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range authHeader {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	listResp := doJSONRequest(t, router, http.MethodGet, base+"/documents", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Documents []struct {
			Filename string `json:"filename"`
			Content  string `json:"content"`
			Size     int64  `json:"size"`
		} `json:"documents"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Documents) != 1 || listBody.Documents[0].Filename != "notes.txt" {
		t.Fatalf("unexpected documents %s", listResp.Body.String())
	}
	if listBody.Documents[0].Content != "" || listBody.Documents[0].Size == 0 {
		t.Fatalf("listing should carry size but not content: %s", listResp.Body.String())
	}

	delResp := doJSONRequest(t, router, http.MethodDelete, base+"/documents/notes.txt", nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	listResp = doJSONRequest(t, router, http.MethodGet, base+"/documents", nil, authHeader)
	if strings.Contains(listResp.Body.String(), "notes.txt") {
		t.Fatalf("document should be gone: %s", listResp.Body.String())
	}
}

func TestScrapeDocument(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Bread Guide</title></head><body><article>`+
			strings.Repeat("<p>Knead the dough for ten minutes until it is smooth and elastic.</p>", 10)+
			`</article></body></html>`)
	}))
	defer page.Close()

	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)
	resp := doJSONRequest(t, router, http.MethodPost, base+"/documents/scrape", map[string]string{"url": page.URL}, authHeader)
	assertStatus(t, resp, http.StatusCreated)
	if !strings.Contains(resp.Body.String(), "Bread") {
		t.Fatalf("expected title-based filename, got %s", resp.Body.String())
	}

	bad := doJSONRequest(t, router, http.MethodPost, base+"/documents/scrape", map[string]string{"url": "ftp://x"}, authHeader)
	assertStatus(t, bad, http.StatusBadGateway)
}

func TestWipeAndDeleteAccount(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)
	startSession(t, router, base, authHeader)

	wipe := doJSONRequest(t, router, http.MethodDelete, base+"/data", nil, authHeader)
	assertStatus(t, wipe, http.StatusNoContent)
	sessions := doJSONRequest(t, router, http.MethodGet, base+"/sessions", nil, authHeader)
	assertStatus(t, sessions, http.StatusOK)
	if !strings.Contains(sessions.Body.String(), `"sessions":[]`) {
		t.Fatalf("wipe should remove sessions: %s", sessions.Body.String())
	}

	del := doJSONRequest(t, router, http.MethodDelete, base, nil, authHeader)
	assertStatus(t, del, http.StatusNoContent)
	again := doJSONRequest(t, router, http.MethodGet, base+"/sessions", nil, authHeader)
	assertStatus(t, again, http.StatusUnauthorized)
}

func TestCookieAuthNeedsCSRF(t *testing.T) {
	router, h := newTestServer(t)
	creds := map[string]string{"username": "cookie_user", "password": "pass123"}
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/users/register", creds, nil), http.StatusCreated)

	login := doJSONRequest(t, router, http.MethodPost, "/api/users/login", creds, nil)
	assertStatus(t, login, http.StatusOK)
	var body struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
		CSRFToken string `json:"csrf_token"`
	}
	decodeJSON(t, login.Body.Bytes(), &body)
	path := fmt.Sprintf("/api/users/%d/sessions", body.ID)
	cookie := fmt.Sprintf("%s=%s; %s=%s", h.auth.AuthCookieName(), body.AuthToken, h.auth.CSRFCookieName(), body.CSRFToken)

	resp := doJSONRequest(t, router, http.MethodPost, path, nil, map[string]string{"Cookie": cookie})
	assertStatus(t, resp, http.StatusForbidden)
	resp = doJSONRequest(t, router, http.MethodPost, path, nil, map[string]string{
		"Cookie":              cookie,
		h.auth.CSRFHeaderName(): body.CSRFToken,
	})
	assertStatus(t, resp, http.StatusCreated)
}

func TestWebsocketChat(t *testing.T) {
	router, _ := newTestServer(t)
	userID, authHeader := registerAndLogin(t, router)
	base := fmt.Sprintf("/api/users/%d", userID)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, base+"/token",
		map[string]string{"provider": "openai", "token": "sk"}, authHeader), http.StatusNoContent)
	sessionID := startSession(t, router, base, authHeader)

	srv := httptest.NewServer(router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + base + "/ws"
	header := http.Header{}
	header.Set("Authorization", authHeader["Authorization"])
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"type": "message", "session_id": sessionID, "content": "hello socket", "provider": "openai",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var kinds []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v (frames so far %v)", err, kinds)
		}
		kind, _ := frame["type"].(string)
		kinds = append(kinds, kind)
		if kind == "done" || kind == "error" {
			break
		}
	}
	if strings.Join(kinds, ",") != "ack,stream,done" {
		t.Fatalf("unexpected frames %v", kinds)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, h := newTestServer(t)
	h.AddHealthCheck("accounts", func(context.Context) error { return nil })
	resp := doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	h.AddHealthCheck("redis", func(context.Context) error { return fmt.Errorf("down") })
	resp = doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusServiceUnavailable)

	metrics := doJSONRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metrics, http.StatusOK)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("CHATRECALL_APIKEY_KEY", strings.Repeat("k", 32))

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
		Providers: map[string]config.ProviderConfig{"openai": {Model: "gpt-test"}},
		Storage:   config.StorageConfig{Driver: "sqlite3", Dir: t.TempDir()},
	}
	config.ApplyDefaults(cfg)
	cfg.BasicConfig.FileBaseDir = t.TempDir()

	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst, err := assistant.NewService(db)
	if err != nil {
		t.Fatalf("assistant: %v", err)
	}
	authSvc := auth.NewService(db, nil, time.Hour)

	reg, err := storage.NewRegistry(cfg, storage.Options{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	completer := echoCompleter{}
	manager, err := worker.NewManager(worker.Options{
		Config: cfg,
		Stores: reg,
		Completers: func(context.Context, string, string, string, *config.Config, []tool.BaseTool) (ai.Completer, error) {
			return completer, nil
		},
		Dispatcher: worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 16},
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	extractor, err := ingest.NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	t.Cleanup(func() {
		manager.Close()
		reg.Close()
		db.Close()
	})

	handler := NewHandler(Deps{
		Config:    cfg,
		Assistant: asst,
		Auth:      authSvc,
		Workers:   manager,
		Extractor: extractor,
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, want %d, body: %s", rec.Code, want, rec.Body.String())
	}
}

func startSession(t *testing.T, router *gin.Engine, base string, headers map[string]string) string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, base+"/sessions", nil, headers)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	return body.Session.ID
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}
