package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"usecasehub/internal/attachments"
	"usecasehub/internal/backend"
	"usecasehub/internal/conversation"
	"usecasehub/internal/hierarchy"
	"usecasehub/internal/identity"
	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/pkg/domain"
	"usecasehub/pkg/storage"
)

const (
	testIssuer   = "https://login.example.com"
	testAudience = "usecasehub"
	chatBase     = "/api/usecasetypes/tenant-1/indices/idx-1/categories/cat-1/chat"
)

func landingPayload() map[string]any {
	return map[string]any{
		"usecasetypes": []domain.TenantSettings{
			{
				ID: "tenant-1",
				Chat: map[string]domain.SettingDef{
					"approach": {Type: "choice", Default: "rrr"},
				},
				Overrides: map[string]domain.SettingDef{
					"top": {Type: "number", Default: float64(3)},
				},
			},
		},
		"metadata": domain.Metadata{
			Temperature: []domain.MetadataOption{{ID: "precise"}},
			Model:       []domain.MetadataOption{{ID: "gpt-4"}},
		},
	}
}

// stubBackend emulates the knowledge backend for full-stack routing tests.
type stubBackend struct {
	calls   int32
	askReqs []domain.ChatRequest
	askFail func() (int, string)
	history []string
	entries []domain.HistoryEntry
}

func (b *stubBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.calls, 1)
		switch {
		case r.URL.Path == "/api/usecasetypes":
			_ = json.NewEncoder(w).Encode(landingPayload())
		case r.URL.Path == "/api/usecasetypes/tenant-1/indices" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"indices": []domain.Index{{ID: "idx-1", NameEN: "Handbook"}},
			})
		case r.URL.Path == chatBase && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"conversations": b.entries})
		case r.URL.Path == chatBase+"/example_questions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"example_questions": []string{"What changed in v2?"},
			})
		case strings.HasPrefix(r.URL.Path, chatBase+"/") && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var req domain.ChatRequest
			_ = json.Unmarshal(body, &req)
			b.askReqs = append(b.askReqs, req)
			if b.askFail != nil {
				status, payload := b.askFail()
				w.WriteHeader(status)
				_, _ = w.Write([]byte(payload))
				return
			}
			_ = json.NewEncoder(w).Encode(domain.AskResponse{Answer: "Chapter 3 covers this."})
		case strings.HasPrefix(r.URL.Path, chatBase+"/") && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"history": b.history})
		case strings.HasPrefix(r.URL.Path, chatBase+"/") && r.Method == http.MethodDelete:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
		default:
			http.NotFound(w, r)
		}
	})
}

type testEnv struct {
	frontend *httptest.Server
	backend  *stubBackend
	token    string
}

func newTestEnv(t *testing.T, redisAddr string, askLimit int) *testEnv {
	t.Helper()
	verifier, signer := newJWKSVerifier(t)
	stub := &stubBackend{}
	backendSrv := httptest.NewServer(stub.handler())
	t.Cleanup(backendSrv.Close)

	client := backend.NewClient(backendSrv.URL, nil)
	st := settings.NewStore(client)
	mem := store.NewMemoryStore()
	srv, err := New(Config{
		Verifier:              verifier,
		Settings:              st,
		Conversations:         conversation.NewManager(client, st, mem),
		Hierarchy:             hierarchy.NewController(client, attachments.NewStaging(storage.NewMemoryObjectStore()), mem, st),
		RedisAddr:             redisAddr,
		AskRateLimitPerMinute: askLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	frontend := httptest.NewServer(srv.Router())
	t.Cleanup(frontend.Close)

	return &testEnv{
		frontend: frontend,
		backend:  stub,
		token:    mustSignToken(t, signer, "user-1"),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.frontend.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRoutesRequireValidToken(t *testing.T) {
	env := newTestEnv(t, "", 0)

	// 1) Missing token.
	resp, err := http.Get(env.frontend.URL + "/api/usecasetypes")
	if err != nil {
		t.Fatalf("request missing token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	// 2) Invalid signature must be blocked before the backend is called.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate invalid key: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, env.frontend.URL+"/api/usecasetypes", nil)
	req.Header.Set("Authorization", "Bearer "+mustSignToken(t, otherKey, "user-1"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request invalid token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token expected 401, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&env.backend.calls); got != 0 {
		t.Fatalf("backend should not be called for an invalid token, got %d calls", got)
	}

	// 3) Valid token returns the landing payload.
	resp = env.do(t, http.MethodGet, "/api/usecasetypes", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token expected 200, got %d", resp.StatusCode)
	}
	var landing struct {
		UsecaseTypes []domain.TenantSettings `json:"usecasetypes"`
	}
	decodeBody(t, resp, &landing)
	if len(landing.UsecaseTypes) != 1 || landing.UsecaseTypes[0].ID != "tenant-1" {
		t.Fatalf("usecasetypes = %+v", landing.UsecaseTypes)
	}
}

func TestAskFlowUpdatesViewState(t *testing.T) {
	env := newTestEnv(t, "", 0)

	resp := env.do(t, http.MethodPost, chatBase+"/ask", map[string]any{
		"question":  "What is in chapter 3?",
		"overrides": map[string]any{"top": 99},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask expected 200, got %d", resp.StatusCode)
	}
	var askResult struct {
		Response domain.AskResponse    `json:"response"`
		State    conversation.Snapshot `json:"state"`
	}
	decodeBody(t, resp, &askResult)
	if askResult.Response.Answer != "Chapter 3 covers this." {
		t.Fatalf("answer = %q", askResult.Response.Answer)
	}
	if askResult.State.Phase != conversation.PhaseAnswered {
		t.Fatalf("phase = %q", askResult.State.Phase)
	}
	if askResult.State.NewConversation {
		t.Fatal("view should no longer be marked as a new conversation")
	}

	// The outbound request carries the open turn, the tenant approach and the
	// tenant override defaults, not the caller-supplied override.
	if len(env.backend.askReqs) != 1 {
		t.Fatalf("ask requests = %d", len(env.backend.askReqs))
	}
	sent := env.backend.askReqs[0]
	if !sent.NewConversation {
		t.Fatal("first ask should flag a new conversation")
	}
	if sent.Approach != "rrr" {
		t.Fatalf("approach = %q", sent.Approach)
	}
	if got := sent.Overrides["top"]; got != float64(3) {
		t.Fatalf("overrides[top] = %v, want tenant default 3", got)
	}
	if len(sent.History) != 1 || sent.History[0].User != "What is in chapter 3?" || sent.History[0].Bot != nil {
		t.Fatalf("history = %+v", sent.History)
	}

	// A second ask includes the answered turn.
	resp = env.do(t, http.MethodPost, chatBase+"/ask", map[string]any{"question": "And chapter 4?"})
	resp.Body.Close()
	sent = env.backend.askReqs[1]
	if sent.NewConversation {
		t.Fatal("second ask must not flag a new conversation")
	}
	if len(sent.History) != 2 || sent.History[0].Bot == nil {
		t.Fatalf("second history = %+v", sent.History)
	}
}

func TestBackendErrorMapping(t *testing.T) {
	env := newTestEnv(t, "", 0)

	// 1) Backend 500 becomes 502 and keeps the trace id.
	env.backend.askFail = func() (int, string) {
		return http.StatusInternalServerError, `{"error":"boom","traceback":"trace-42"}`
	}
	resp := env.do(t, http.MethodPost, chatBase+"/ask", map[string]any{"question": "hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("backend 500 expected 502, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if !strings.Contains(body["error"], "trace-42") {
		t.Fatalf("error = %q, want trace id", body["error"])
	}

	// 2) Backend 401 maps to 401.
	env.backend.askFail = func() (int, string) {
		return http.StatusUnauthorized, "denied"
	}
	resp = env.do(t, http.MethodPost, chatBase+"/ask", map[string]any{"question": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("backend 401 expected 401, got %d", resp.StatusCode)
	}

	// 3) Any other status passes through with its body.
	env.backend.askFail = func() (int, string) {
		return http.StatusForbidden, "no access to this category"
	}
	resp = env.do(t, http.MethodPost, chatBase+"/ask", map[string]any{"question": "hi"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("backend 403 expected 403, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if !strings.Contains(body["error"], "no access to this category") {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestEditorSuffixIsStrippedFromRoutes(t *testing.T) {
	env := newTestEnv(t, "", 0)

	resp := env.do(t, http.MethodGet, "/api/usecasetypes/tenant-1/indices/create", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("editor path expected 200, got %d", resp.StatusCode)
	}
	var listing struct {
		Items []domain.Index `json:"items"`
	}
	decodeBody(t, resp, &listing)
	if len(listing.Items) != 1 || listing.Items[0].ID != "idx-1" {
		t.Fatalf("items = %+v", listing.Items)
	}
}

func TestResumeAndDeleteConversation(t *testing.T) {
	env := newTestEnv(t, "", 0)
	env.backend.history = []string{"How do I reset?", "Use the admin panel.", "Where is it?"}
	env.backend.entries = []domain.HistoryEntry{
		{ConversationID: "conv-1", Timestamp: time.Now().Unix(), Topic: "resets"},
	}

	resp := env.do(t, http.MethodGet, chatBase+"/conv-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume expected 200, got %d", resp.StatusCode)
	}
	var snap conversation.Snapshot
	decodeBody(t, resp, &snap)
	if snap.ConversationID != "conv-1" || snap.Phase != conversation.PhaseAnswered {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Answers) != 1 || snap.LastQuestion != "Where is it?" {
		t.Fatalf("answers = %+v lastQuestion = %q", snap.Answers, snap.LastQuestion)
	}

	// Deleting the active conversation starts a fresh one.
	resp = env.do(t, http.MethodDelete, chatBase+"/conv-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", resp.StatusCode)
	}
	var deleted struct {
		State conversation.Snapshot `json:"state"`
	}
	decodeBody(t, resp, &deleted)
	if deleted.State.ConversationID == "conv-1" || !deleted.State.NewConversation {
		t.Fatalf("state after delete = %+v", deleted.State)
	}
}

func TestPanelTogglesClosedOnRepeatedSelection(t *testing.T) {
	env := newTestEnv(t, "", 0)

	resp := env.do(t, http.MethodPost, chatBase+"/panel", map[string]any{
		"citation": "doc-1#p4", "answerIndex": 0,
	})
	var first struct {
		Open  bool                    `json:"open"`
		Panel conversation.PanelState `json:"panel"`
	}
	decodeBody(t, resp, &first)
	if !first.Open || !first.Panel.Open {
		t.Fatalf("first toggle should open the panel, got %+v", first)
	}

	resp = env.do(t, http.MethodPost, chatBase+"/panel", map[string]any{
		"citation": "doc-1#p4", "answerIndex": 0,
	})
	var second struct {
		Open  bool                    `json:"open"`
		Panel conversation.PanelState `json:"panel"`
	}
	decodeBody(t, resp, &second)
	if second.Open || second.Panel.Open || second.Panel.ActiveCitation != "" {
		t.Fatalf("repeated toggle should close the panel, got %+v", second)
	}

	// Citation and tab at the same time is rejected.
	resp = env.do(t, http.MethodPost, chatBase+"/panel", map[string]any{
		"citation": "doc-1#p4", "tab": "thoughts",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("ambiguous panel request expected 400, got %d", resp.StatusCode)
	}
}

func newJWKSVerifier(t *testing.T) (*identity.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":                subject,
		"iss":                testIssuer,
		"aud":                testAudience,
		"exp":                now.Add(time.Minute).Unix(),
		"iat":                now.Unix(),
		"nbf":                now.Add(-time.Second).Unix(),
		"name":               "Test User",
		"preferred_username": "test.user",
		"tid":                "tenant-1",
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
