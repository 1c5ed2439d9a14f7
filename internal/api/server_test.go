package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentVault-Chain/internal/agent"
	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/auth"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/custody"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/internal/wallet"
)

// stubChain 返回固定余额并接受所有转账。
type stubChain struct {
	balance *big.Int
	submits int
}

func (s *stubChain) Balance(_ context.Context, _ string) (*big.Int, error) {
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChain) SuggestFee(_ context.Context) (*big.Int, error) {
	return big.NewInt(21_000_000_000_000), nil
}

func (s *stubChain) SubmitTransfer(_ context.Context, _ *ecdsa.PrivateKey, _ string, _ *big.Int) (chain.Receipt, error) {
	s.submits++
	return chain.Receipt{TxHash: fmt.Sprintf("0xtx%d", s.submits), BlockNumber: 1, GasUsed: 21000, Fee: big.NewInt(1)}, nil
}

func (s *stubChain) Close() {}

type testEnv struct {
	server *httptest.Server
	chain  *stubChain
}

func newTestEnv(t *testing.T, authService *auth.Service) *testEnv {
	t.Helper()
	backend, err := mysql.NewMemoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	vault, err := custody.New("test-passphrase", 1000)
	if err != nil {
		t.Fatalf("custody.New: %v", err)
	}
	chainClient := &stubChain{balance: chain.ToWei(100)}
	ledger := audit.NewLedger(backend.Audit(), nil)

	wallets := wallet.NewService(backend, vault, chainClient, ledger, config.PolicyDefaults{
		MaxTransactionAmount: 10,
		MaxDailySpend:        100,
	})
	exec := executor.NewService(wallets, chainClient, ledger, nil)
	agents := agent.NewService(backend, ledger, nil, exec)

	srv := httptest.NewServer(NewServer("", wallets, agents, exec, ledger, authService).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, chain: chainClient}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil
	}
	return decoded
}

func TestWalletLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.do(t, http.MethodPost, "/api/v1/wallets", map[string]any{"name": "ops"}, http.StatusCreated)
	walletObj := created["wallet"].(map[string]any)
	policyObj := created["policy"].(map[string]any)
	walletID := walletObj["id"].(string)
	if walletObj["key_mode"] != "encrypted" {
		t.Fatalf("expected encrypted default mode, got %v", walletObj["key_mode"])
	}
	if policyObj["max_transaction_amount"] != 10.0 {
		t.Fatalf("expected default max 10, got %v", policyObj["max_transaction_amount"])
	}
	if _, ok := policyObj["auto_approve_below"]; ok {
		t.Fatalf("auto_approve_below must default to unset, got %v", policyObj["auto_approve_below"])
	}

	fetched := env.do(t, http.MethodGet, "/api/v1/wallets/"+walletID, nil, http.StatusOK)
	if fetched["address"] != walletObj["address"] {
		t.Fatalf("address mismatch: %v vs %v", fetched["address"], walletObj["address"])
	}
	if fetched["balance"] != 100.0 {
		t.Fatalf("expected balance 100, got %v", fetched["balance"])
	}

	list := env.do(t, http.MethodGet, "/api/v1/wallets", nil, http.StatusOK)
	if wallets := list["wallets"].([]any); len(wallets) != 1 {
		t.Fatalf("expected 1 wallet, got %d", len(wallets))
	}

	env.do(t, http.MethodGet, "/api/v1/wallets/missing", nil, http.StatusNotFound)
	env.do(t, http.MethodPost, "/api/v1/wallets", map[string]any{"name": "  "}, http.StatusBadRequest)
}

func TestPolicyUpdateEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.do(t, http.MethodPost, "/api/v1/wallets", map[string]any{"name": "ops"}, http.StatusCreated)
	walletID := created["wallet"].(map[string]any)["id"].(string)

	updated := env.do(t, http.MethodPut, "/api/v1/wallets/"+walletID+"/policy", map[string]any{
		"max_transaction_amount": 0.5,
		"auto_approve_below":     0.1,
	}, http.StatusOK)
	if updated["max_transaction_amount"] != 0.5 {
		t.Fatalf("expected max 0.5, got %v", updated["max_transaction_amount"])
	}
	if updated["auto_approve_below"] != 0.1 {
		t.Fatalf("expected auto threshold 0.1, got %v", updated["auto_approve_below"])
	}
	// 未提及的字段保持不变。
	if updated["require_simulation"] != true {
		t.Fatalf("require_simulation must survive partial update, got %v", updated["require_simulation"])
	}

	got := env.do(t, http.MethodGet, "/api/v1/wallets/"+walletID+"/policy", nil, http.StatusOK)
	if got["max_transaction_amount"] != 0.5 {
		t.Fatalf("policy not persisted: %v", got)
	}
	env.do(t, http.MethodPut, "/api/v1/wallets/missing/policy", map[string]any{}, http.StatusNotFound)
}

func TestAgentActionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.do(t, http.MethodPost, "/api/v1/wallets", map[string]any{"name": "ops"}, http.StatusCreated)
	walletID := created["wallet"].(map[string]any)["id"].(string)

	agentResp := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":      "treasury-bot",
		"strategy":  "rule-based",
		"wallet_id": walletID,
		"policy": map[string]any{
			"max_transaction_amount": 0.5,
			"auto_approve_below":     0.1,
			"require_simulation":     true,
		},
	}, http.StatusCreated)
	agentID := agentResp["id"].(string)
	if agentResp["status"] != "active" {
		t.Fatalf("expected active agent, got %v", agentResp["status"])
	}

	// 小额转账被批准并自动执行。
	small := env.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/actions", map[string]any{
		"kind":        "transfer",
		"amount":      0.05,
		"destination": "0x000000000000000000000000000000000000dEaD",
	}, http.StatusOK)
	if small["approved"] != true || small["auto_execute"] != true {
		t.Fatalf("expected auto-approved transfer, got %v", small)
	}
	execution, ok := small["execution"].(map[string]any)
	if !ok || execution["success"] != true {
		t.Fatalf("expected attached execution, got %v", small["execution"])
	}
	if env.chain.submits != 1 {
		t.Fatalf("expected 1 chain submit, got %d", env.chain.submits)
	}

	// 超限转账被拒绝且不触链。
	large := env.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/actions", map[string]any{
		"kind":        "transfer",
		"amount":      0.6,
		"destination": "0x000000000000000000000000000000000000dEaD",
	}, http.StatusOK)
	if large["approved"] != false {
		t.Fatalf("expected rejection, got %v", large)
	}
	if _, ok := large["execution"]; ok {
		t.Fatalf("rejected action must not execute")
	}
	if env.chain.submits != 1 {
		t.Fatalf("rejected action reached the chain: %d submits", env.chain.submits)
	}

	// 每次裁决都会留下审计记录。
	logs := env.do(t, http.MethodGet, "/api/v1/audit/logs?wallet_id="+agentID, nil, http.StatusOK)
	entries := logs["logs"].([]any)
	decisions := 0
	for _, raw := range entries {
		entry := raw.(map[string]any)
		if entry["kind"] == "agent_decision" {
			decisions++
		}
	}
	if decisions != 2 {
		t.Fatalf("expected 2 decision records, got %d", decisions)
	}

	env.do(t, http.MethodPost, "/api/v1/agents/missing/actions", map[string]any{"kind": "transfer"}, http.StatusNotFound)
}

func TestTransferEndpointSimulateOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.do(t, http.MethodPost, "/api/v1/wallets", map[string]any{"name": "ops"}, http.StatusCreated)
	walletID := created["wallet"].(map[string]any)["id"].(string)

	resp := env.do(t, http.MethodPost, "/api/v1/transactions/transfer", map[string]any{
		"wallet_id":     walletID,
		"to":            "0x000000000000000000000000000000000000dEaD",
		"amount":        1.0,
		"simulate_only": true,
	}, http.StatusOK)
	simulation, ok := resp["simulation"].(map[string]any)
	if !ok || simulation["valid"] != true {
		t.Fatalf("expected valid simulation, got %v", resp)
	}
	if _, ok := resp["execution"]; ok {
		t.Fatalf("simulate_only must not execute")
	}
	if env.chain.submits != 0 {
		t.Fatalf("simulation reached the chain: %d submits", env.chain.submits)
	}

	executed := env.do(t, http.MethodPost, "/api/v1/transactions/transfer", map[string]any{
		"wallet_id": walletID,
		"to":        "0x000000000000000000000000000000000000dEaD",
		"amount":    1.0,
	}, http.StatusOK)
	execution, ok := executed["execution"].(map[string]any)
	if !ok || execution["success"] != true {
		t.Fatalf("expected execution result, got %v", executed)
	}
	if env.chain.submits != 1 {
		t.Fatalf("expected 1 chain submit, got %d", env.chain.submits)
	}
}

func TestAuthProtectedRoutes(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "operator",
		Password:    "s3cret",
		Permissions: []string{"vault:read", "vault:write"},
	}})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	authService, err := auth.NewService(auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "unit-test-secret", AccessTTL: 60, RefreshTTL: 3600},
	}, store)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	env := newTestEnv(t, authService)

	// 未携带令牌的请求被拒。
	env.do(t, http.MethodGet, "/api/v1/wallets", nil, http.StatusUnauthorized)

	tokenResp := env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"username": "operator",
		"password": "s3cret",
	}, http.StatusOK)
	token := tokenResp["access_token"].(string)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/wallets", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized request: status = %d", resp.StatusCode)
	}

	// 健康检查不要求令牌。
	env.do(t, http.MethodGet, "/healthz", nil, http.StatusOK)
}
