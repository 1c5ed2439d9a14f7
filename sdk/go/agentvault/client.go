package agentvault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentVault Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// Wallet is the public wallet view returned by the API. Balance is only set
// when the server could reach the chain.
type Wallet struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	KeyMode   string   `json:"key_mode"`
	CreatedAt int64    `json:"created_at"`
	Balance   *float64 `json:"balance,omitempty"`
}

// Policy mirrors the per-wallet spending policy.
type Policy struct {
	WalletID             string   `json:"wallet_id"`
	MaxTransactionAmount float64  `json:"max_transaction_amount"`
	AutoApproveBelow     *float64 `json:"auto_approve_below,omitempty"`
	MaxDailySpend        float64  `json:"max_daily_spend"`
	AllowedActions       []string `json:"allowed_actions,omitempty"`
	RequireSimulation    bool     `json:"require_simulation"`
	CreatedAt            int64    `json:"created_at"`
}

// PolicyUpdate carries a partial policy change. Nil fields are left untouched
// by the server.
type PolicyUpdate struct {
	MaxTransactionAmount *float64 `json:"max_transaction_amount,omitempty"`
	AutoApproveBelow     *float64 `json:"auto_approve_below,omitempty"`
	MaxDailySpend        *float64 `json:"max_daily_spend,omitempty"`
	AllowedActions       []string `json:"allowed_actions,omitempty"`
	RequireSimulation    *bool    `json:"require_simulation,omitempty"`
}

// WalletCreation bundles the wallet and its default policy created together.
type WalletCreation struct {
	Wallet Wallet `json:"wallet"`
	Policy Policy `json:"policy"`
}

// AgentPolicy is the policy snapshot frozen into an agent at creation time.
type AgentPolicy struct {
	MaxTransactionAmount float64 `json:"max_transaction_amount"`
	AutoApproveBelow     float64 `json:"auto_approve_below"`
	RequireSimulation    bool    `json:"require_simulation"`
}

// Agent describes a wallet-bound autonomous agent.
type Agent struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Strategy  string      `json:"strategy"`
	WalletID  string      `json:"wallet_id"`
	Policy    AgentPolicy `json:"policy"`
	Status    string      `json:"status"`
	CreatedAt int64       `json:"created_at"`
}

// Action is a funds operation submitted for agent evaluation.
type Action struct {
	Kind        string  `json:"kind"`
	Amount      float64 `json:"amount"`
	Destination string  `json:"destination,omitempty"`
}

// Execution is the outcome of an on-chain transfer attempt.
type Execution struct {
	Success    bool   `json:"success"`
	TxHash     string `json:"tx_hash,omitempty"`
	Error      string `json:"error,omitempty"`
	AuditError string `json:"audit_error,omitempty"`
}

// Decision is the verdict returned for an agent action.
type Decision struct {
	Approved     bool       `json:"approved"`
	Reason       string     `json:"reason,omitempty"`
	RiskLevel    string     `json:"risk_level,omitempty"`
	AutoExecute  bool       `json:"auto_execute"`
	DecisionKind string     `json:"decision_kind"`
	Execution    *Execution `json:"execution,omitempty"`
}

// Simulation is a dry-run transfer result. It never touches the chain write
// path on the server.
type Simulation struct {
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason,omitempty"`
	CurrentBalance float64 `json:"current_balance"`
	EstimatedFee   float64 `json:"estimated_fee"`
	FinalBalance   float64 `json:"final_balance"`
}

// TransferRequest describes a manual transfer. SimulateOnly stops after the
// dry run.
type TransferRequest struct {
	WalletID     string  `json:"wallet_id"`
	To           string  `json:"to"`
	Amount       float64 `json:"amount"`
	SimulateOnly bool    `json:"simulate_only,omitempty"`
}

// TransferResult bundles the simulation and, unless simulate-only, the
// execution outcome.
type TransferResult struct {
	Simulation *Simulation `json:"simulation,omitempty"`
	Execution  *Execution  `json:"execution,omitempty"`
}

// AuditEntry is one immutable row of the audit ledger.
type AuditEntry struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Success   bool           `json:"success"`
	Seq       int64          `json:"seq"`
	CreatedAt int64          `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentvault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentVault Chain API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. Servers running without authentication do not need this.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// CreateWallet provisions a wallet together with its default policy.
func (c *Client) CreateWallet(ctx context.Context, name, keyMode string) (WalletCreation, error) {
	var created WalletCreation
	payload := map[string]string{"name": name}
	if keyMode != "" {
		payload["key_mode"] = keyMode
	}
	if err := c.post(ctx, "/api/v1/wallets", payload, &created); err != nil {
		return WalletCreation{}, err
	}
	return created, nil
}

// ListWallets returns all custodied wallets.
func (c *Client) ListWallets(ctx context.Context) ([]Wallet, error) {
	var out struct {
		Wallets []Wallet `json:"wallets"`
	}
	if err := c.get(ctx, "/api/v1/wallets", nil, &out); err != nil {
		return nil, err
	}
	return out.Wallets, nil
}

// GetWallet fetches a single wallet by identifier.
func (c *Client) GetWallet(ctx context.Context, walletID string) (Wallet, error) {
	var out Wallet
	if err := c.get(ctx, "/api/v1/wallets/"+url.PathEscape(walletID), nil, &out); err != nil {
		return Wallet{}, err
	}
	return out, nil
}

// FundWallet requests faucet funds for the wallet.
func (c *Client) FundWallet(ctx context.Context, walletID string, amount float64) (Execution, error) {
	var out Execution
	endpoint := "/api/v1/wallets/" + url.PathEscape(walletID) + "/fund"
	if err := c.post(ctx, endpoint, map[string]float64{"amount": amount}, &out); err != nil {
		return Execution{}, err
	}
	return out, nil
}

// GetPolicy returns the wallet's current spending policy.
func (c *Client) GetPolicy(ctx context.Context, walletID string) (Policy, error) {
	var out Policy
	endpoint := "/api/v1/wallets/" + url.PathEscape(walletID) + "/policy"
	if err := c.get(ctx, endpoint, nil, &out); err != nil {
		return Policy{}, err
	}
	return out, nil
}

// UpdatePolicy applies a partial policy update and returns the merged policy.
func (c *Client) UpdatePolicy(ctx context.Context, walletID string, update PolicyUpdate) (Policy, error) {
	var out Policy
	endpoint := "/api/v1/wallets/" + url.PathEscape(walletID) + "/policy"
	if err := c.send(ctx, http.MethodPut, endpoint, update, &out); err != nil {
		return Policy{}, err
	}
	return out, nil
}

// CreateAgent registers an agent bound to an existing wallet.
func (c *Client) CreateAgent(ctx context.Context, name, strategy, walletID string, policy AgentPolicy) (Agent, error) {
	var out Agent
	payload := map[string]any{
		"name":      name,
		"strategy":  strategy,
		"wallet_id": walletID,
		"policy":    policy,
	}
	if err := c.post(ctx, "/api/v1/agents", payload, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches a single agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), nil, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// ExecuteAction submits a funds operation for agent evaluation. The decision
// is returned even when the action is rejected.
func (c *Client) ExecuteAction(ctx context.Context, agentID string, action Action) (Decision, error) {
	var out Decision
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/actions"
	if err := c.post(ctx, endpoint, action, &out); err != nil {
		return Decision{}, err
	}
	return out, nil
}

// Transfer performs (or simulates) a manual transfer from a wallet.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var out TransferResult
	if err := c.post(ctx, "/api/v1/transactions/transfer", req, &out); err != nil {
		return TransferResult{}, err
	}
	return out, nil
}

// AuditLogs queries the audit ledger, newest entries first. An empty walletID
// returns records for all subjects.
func (c *Client) AuditLogs(ctx context.Context, walletID string, limit int) ([]AuditEntry, error) {
	query := url.Values{}
	if walletID != "" {
		query.Set("wallet_id", walletID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Logs []AuditEntry `json:"logs"`
	}
	if err := c.get(ctx, "/api/v1/audit/logs", query, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
