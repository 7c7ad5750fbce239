package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"aetherlock/gateway/auth"
	"aetherlock/hub"
	"aetherlock/native/escrow"
)

const (
	clientWallet     = "0x1111111111111111111111111111111111111111"
	freelancerWallet = "0x2222222222222222222222222222222222222222"
	strangerWallet   = "0x3333333333333333333333333333333333333333"
)

// memoryStore backs the whole server in tests: engine state, message store
// and settlement ledger.
type memoryStore struct {
	mu       sync.Mutex
	escrows  map[string]*escrow.Escrow
	messages []*hub.Message
	released map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		escrows:  make(map[string]*escrow.Escrow),
		released: make(map[string]bool),
	}
}

func (m *memoryStore) EscrowPut(_ context.Context, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *memoryStore) EscrowGet(_ context.Context, id string) (*escrow.Escrow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *memoryStore) EscrowsByParticipant(_ context.Context, wallet string) ([]*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*escrow.Escrow
	for _, esc := range m.escrows {
		if esc.ParticipantRole(wallet) != escrow.RoleNone {
			out = append(out, esc.Clone())
		}
	}
	return out, nil
}

func (m *memoryStore) MessageInsert(_ context.Context, msg *hub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *msg
	clone.Seq = int64(len(m.messages) + 1)
	m.messages = append(m.messages, &clone)
	return nil
}

func (m *memoryStore) MessageGet(_ context.Context, escrowID, messageID string) (*hub.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID && msg.ID == messageID {
			clone := *msg
			return &clone, true, nil
		}
	}
	return nil, false, nil
}

func (m *memoryStore) MessageMarkRead(_ context.Context, escrowID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID && msg.ID == messageID {
			msg.Read = true
		}
	}
	return nil
}

func (m *memoryStore) MessagesByEscrow(_ context.Context, escrowID string) ([]*hub.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*hub.Message
	for _, msg := range m.messages {
		if msg.EscrowID == escrowID {
			clone := *msg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memoryStore) RecordRelease(_ context.Context, e *escrow.Escrow) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released[e.ID] {
		return "", fmt.Errorf("escrow %s already settled", e.ID)
	}
	m.released[e.ID] = true
	return "0xreceipt", nil
}

type stubVerifier struct {
	result *escrow.VerificationResult
}

func (s stubVerifier) Assess(context.Context, string, []string) (*escrow.VerificationResult, error) {
	return s.result.Clone(), nil
}

type stubEvidence struct{}

func (stubEvidence) PutJSON(context.Context, any) (string, error) {
	return "QmSubmission", nil
}

type serverFixture struct {
	server  *Server
	store   *memoryStore
	tokens  *auth.TokenIssuer
	baseURL *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := newMemoryStore()
	realtime := hub.New(store, store)

	engine, err := escrow.NewEngine(escrow.EngineConfig{
		State:    store,
		Gate:     auth.NewGate(store),
		Verifier: stubVerifier{result: &escrow.VerificationResult{Passed: true, Confidence: 92, Feedback: "complete"}},
		Evidence: stubEvidence{},
		Settle:   store,
		Emitter:  realtime,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	tokens, err := auth.NewTokenIssuer([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Engine:     engine,
		Hub:        realtime,
		Store:      store,
		Tokens:     tokens,
		Challenges: auth.NewChallenges(time.Minute),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return &serverFixture{server: server, store: store, tokens: tokens, baseURL: ts}
}

func (f *serverFixture) request(t *testing.T, method, path, wallet string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.baseURL.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if wallet != "" {
		token, err := f.tokens.Issue(wallet)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *serverFixture) createEscrow(t *testing.T) string {
	t.Helper()
	resp, body := f.request(t, http.MethodPost, "/escrow", clientWallet, map[string]any{
		"freelancerAddress": freelancerWallet,
		"title":             "Landing page",
		"description":       "Responsive landing page",
		"amount":            "2.5",
		"currency":          "SOL",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", body)
	}
	return id
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected healthy response, got %d %v", resp.StatusCode, body)
	}
}

func TestEscrowRoutesRequireAuth(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/escrow", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChallengeLoginFlow(t *testing.T) {
	f := newServerFixture(t)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	resp, body := f.request(t, http.MethodPost, "/auth/challenge", "", map[string]string{"walletAddress": wallet})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge: expected 200, got %d", resp.StatusCode)
	}
	nonce, _ := body["nonce"].(string)
	message, _ := body["message"].(string)
	if nonce == "" || message == "" {
		t.Fatalf("challenge response incomplete: %v", body)
	}

	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, body = f.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"walletAddress": wallet,
		"nonce":         nonce,
		"signature":     hex.EncodeToString(sig),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login response missing token")
	}
	if got, err := f.tokens.Verify(token); err != nil || got != wallet {
		t.Fatalf("issued token must bind the wallet: %q %v", got, err)
	}

	// Nonces are single use.
	resp, _ = f.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"walletAddress": wallet,
		"nonce":         nonce,
		"signature":     hex.EncodeToString(sig),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("nonce reuse: expected 401, got %d", resp.StatusCode)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	id := f.createEscrow(t)

	resp, body := f.request(t, http.MethodPost, "/escrow/"+id+"/accept", freelancerWallet, map[string]any{})
	if resp.StatusCode != http.StatusOK || body["status"] != "ACTIVE" {
		t.Fatalf("accept: got %d %v", resp.StatusCode, body)
	}

	resp, body = f.request(t, http.MethodPost, "/escrow/"+id+"/submit", freelancerWallet, map[string]any{
		"workDescription": "done",
		"evidenceHandles": []string{"Qm1"},
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "AI_REVIEWING" {
		t.Fatalf("submit: got %d %v", resp.StatusCode, body)
	}

	resp, body = f.request(t, http.MethodPost, "/escrow/"+id+"/verify", clientWallet, map[string]any{})
	if resp.StatusCode != http.StatusOK || body["passed"] != true {
		t.Fatalf("verify: got %d %v", resp.StatusCode, body)
	}

	resp, body = f.request(t, http.MethodPost, "/escrow/"+id+"/release", clientWallet, map[string]any{})
	if resp.StatusCode != http.StatusOK || body["status"] != "COMPLETED" {
		t.Fatalf("release: got %d %v", resp.StatusCode, body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	f := newServerFixture(t)
	id := f.createEscrow(t)

	// 422: validation.
	resp, _ := f.request(t, http.MethodPost, "/escrow", clientWallet, map[string]any{
		"title": "x", "amount": "1", "currency": "DOGE",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("validation: expected 422, got %d", resp.StatusCode)
	}

	// 403: authorization.
	resp, _ = f.request(t, http.MethodPost, "/escrow/"+id+"/accept", clientWallet, map[string]any{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("authorization: expected 403, got %d", resp.StatusCode)
	}

	// 409: precondition.
	if resp, _ := f.request(t, http.MethodPost, "/escrow/"+id+"/accept", freelancerWallet, map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("accept failed: %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodPost, "/escrow/"+id+"/accept", freelancerWallet, map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("precondition: expected 409, got %d", resp.StatusCode)
	}

	// 404: unknown escrow.
	resp, _ = f.request(t, http.MethodGet, "/escrow/missing/", clientWallet, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("not found: expected 404, got %d", resp.StatusCode)
	}
}

func TestGetAndListRestrictedToParticipants(t *testing.T) {
	f := newServerFixture(t)
	id := f.createEscrow(t)

	resp, _ := f.request(t, http.MethodGet, "/escrow/"+id+"/", strangerWallet, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger get: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodGet, "/escrow/"+id+"/", clientWallet, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("client get: expected 200, got %d", resp.StatusCode)
	}

	resp, err := http.Get(f.baseURL.URL + "/escrow")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list: expected 401, got %d", resp.StatusCode)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	f := newServerFixture(t)
	id := f.createEscrow(t)

	f.store.mu.Lock()
	f.store.messages = append(f.store.messages, &hub.Message{
		ID: "m1", EscrowID: id, Sender: clientWallet, Role: escrow.RoleClient, Content: "hello", Timestamp: 1, Seq: 1,
	})
	f.store.mu.Unlock()

	resp, _ := f.request(t, http.MethodGet, "/escrow/"+id+"/messages", strangerWallet, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger messages: expected 403, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.baseURL.URL+"/escrow/"+id+"/messages", nil)
	token, _ := f.tokens.Issue(freelancerWallet)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer res.Body.Close()
	var history []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0]["content"] != "hello" {
		t.Fatalf("unexpected history: %v", history)
	}
}
