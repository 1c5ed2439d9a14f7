package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"AgentVault-Chain/internal/agent"
	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/auth"
	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/internal/executor"
	"AgentVault-Chain/internal/observability/metrics"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/internal/wallet"
)

// Server 负责暴露 REST 接口，供外部管理钱包、策略与智能体。
type Server struct {
	addr     string
	wallets  *wallet.Service
	agents   *agent.Service
	executor *executor.Service
	ledger   *audit.Ledger
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。authService 可以为 nil，表示不做鉴权。
func NewServer(addr string, wallets *wallet.Service, agents *agent.Service, exec *executor.Service, ledger *audit.Ledger, authService *auth.Service) *Server {
	return &Server{
		addr:     addr,
		wallets:  wallets,
		agents:   agents,
		executor: exec,
		ledger:   ledger,
		auth:     authService,
	}
}

// Handler 返回完整的路由表，测试可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/wallets", instrument("wallets", s.handleCreateWallet))
	protected.HandleFunc("GET /api/v1/wallets", instrument("wallets", s.handleListWallets))
	protected.HandleFunc("GET /api/v1/wallets/{id}", instrument("wallet", s.handleGetWallet))
	protected.HandleFunc("POST /api/v1/wallets/{id}/fund", instrument("wallet_fund", s.handleFundWallet))
	protected.HandleFunc("GET /api/v1/wallets/{id}/policy", instrument("wallet_policy", s.handleGetPolicy))
	protected.HandleFunc("PUT /api/v1/wallets/{id}/policy", instrument("wallet_policy", s.handleUpdatePolicy))
	protected.HandleFunc("POST /api/v1/agents", instrument("agents", s.handleCreateAgent))
	protected.HandleFunc("GET /api/v1/agents", instrument("agents", s.handleListAgents))
	protected.HandleFunc("GET /api/v1/agents/{id}", instrument("agent", s.handleGetAgent))
	protected.HandleFunc("POST /api/v1/agents/{id}/actions", instrument("agent_actions", s.handleExecuteAction))
	protected.HandleFunc("POST /api/v1/transactions/transfer", instrument("transfer", s.handleTransfer))
	protected.HandleFunc("GET /api/v1/audit/logs", instrument("audit_logs", s.handleAuditLogs))

	var api http.Handler = protected
	if s.auth != nil {
		api = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet: {"vault:read"},
				"*":            {"vault:write"},
			},
		})(protected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/auth/token", instrument("auth_token", s.handleToken))
	mux.Handle("/api/v1/", api)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, "用户名或密码错误", http.StatusUnauthorized)
		case errors.Is(err, auth.ErrSubjectRevoked):
			http.Error(w, "账号已禁用", http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		http.Error(w, "钱包服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Name    string `json:"name"`
		KeyMode string `json:"key_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	created, policy, err := s.wallets.Create(r.Context(), req.Name, req.KeyMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"wallet": walletView(created),
		"policy": policyView(policy),
	})
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		http.Error(w, "钱包服务未初始化", http.StatusServiceUnavailable)
		return
	}
	list, err := s.wallets.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for _, item := range list {
		views = append(views, walletView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": views})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		http.Error(w, "钱包服务未初始化", http.StatusServiceUnavailable)
		return
	}
	record, err := s.wallets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletView(record))
}

func (s *Server) handleFundWallet(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		http.Error(w, "执行服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result := s.executor.Fund(r.Context(), r.PathValue("id"), req.Amount)
	metrics.ObserveTransaction(result.Success)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		http.Error(w, "钱包服务未初始化", http.StatusServiceUnavailable)
		return
	}
	policy, err := s.wallets.Policy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyView(policy))
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		http.Error(w, "钱包服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		MaxTransactionAmount *float64 `json:"max_transaction_amount"`
		AutoApproveBelow     *float64 `json:"auto_approve_below"`
		MaxDailySpend        *float64 `json:"max_daily_spend"`
		AllowedActions       []string `json:"allowed_actions"`
		RequireSimulation    *bool    `json:"require_simulation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	policy, err := s.wallets.UpdatePolicy(r.Context(), r.PathValue("id"), mysql.PolicyUpdate{
		MaxTransactionAmount: req.MaxTransactionAmount,
		AutoApproveBelow:     req.AutoApproveBelow,
		MaxDailySpend:        req.MaxDailySpend,
		AllowedActions:       req.AllowedActions,
		RequireSimulation:    req.RequireSimulation,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyView(policy))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		http.Error(w, "智能体服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Name     string            `json:"name"`
		Strategy string            `json:"strategy"`
		WalletID string            `json:"wallet_id"`
		Policy   mysql.AgentPolicy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	record, err := s.agents.Create(r.Context(), req.Name, req.Strategy, req.WalletID, req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentView(record))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		http.Error(w, "智能体服务未初始化", http.StatusServiceUnavailable)
		return
	}
	list, err := s.agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for _, item := range list {
		views = append(views, agentView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		http.Error(w, "智能体服务未初始化", http.StatusServiceUnavailable)
		return
	}
	record, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView(record))
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		http.Error(w, "智能体服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Kind        string  `json:"kind"`
		Amount      float64 `json:"amount"`
		Destination string  `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	decision, err := s.agents.ExecuteAction(r.Context(), r.PathValue("id"), agent.Action{
		Kind:        req.Kind,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveDecision(decision.Kind, decision.Approved)
	if decision.Execution != nil {
		metrics.ObserveTransaction(decision.Execution.Success)
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		http.Error(w, "执行服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		WalletID     string  `json:"wallet_id"`
		To           string  `json:"to"`
		Amount       float64 `json:"amount"`
		SimulateOnly bool    `json:"simulate_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	simulation, execution, err := s.executor.Transfer(r.Context(), req.WalletID, req.To, req.Amount, req.SimulateOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if execution != nil {
		metrics.ObserveTransaction(execution.Success)
	}
	response := map[string]any{}
	if simulation != nil {
		response["simulation"] = simulation
	}
	if execution != nil {
		response["execution"] = execution
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "审计服务未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.ledger.Query(r.Context(), r.URL.Query().Get("wallet_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, auditView(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": views})
}

// walletView 是钱包的 JSON 输出形态。
func walletView(record *wallet.Wallet) map[string]any {
	view := map[string]any{
		"id":         record.ID,
		"name":       record.Name,
		"address":    record.Address,
		"key_mode":   record.Mode,
		"created_at": record.CreatedAt,
	}
	if record.Balance != nil {
		view["balance"] = *record.Balance
	}
	return view
}

func policyView(record *mysql.PolicyRecord) map[string]any {
	view := map[string]any{
		"wallet_id":              record.WalletID,
		"max_transaction_amount": record.MaxTransactionAmount,
		"max_daily_spend":        record.MaxDailySpend,
		"allowed_actions":        record.AllowedActions,
		"require_simulation":     record.RequireSimulation,
		"created_at":             record.CreatedAt,
	}
	if record.AutoApproveBelow != nil {
		view["auto_approve_below"] = *record.AutoApproveBelow
	}
	return view
}

func agentView(record *mysql.AgentRecord) map[string]any {
	return map[string]any{
		"id":         record.ID,
		"name":       record.Name,
		"strategy":   record.Strategy,
		"wallet_id":  record.WalletID,
		"policy":     record.Policy,
		"status":     record.Status,
		"created_at": record.CreatedAt,
	}
}

func auditView(record *mysql.AuditRecord) map[string]any {
	return map[string]any{
		"id":         record.ID,
		"subject_id": record.SubjectID,
		"kind":       record.Kind,
		"params":     record.Params,
		"result":     record.Result,
		"success":    record.Success,
		"seq":        record.Seq,
		"created_at": record.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射成 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case mysql.CodeWalletNotFound, mysql.CodePolicyNotFound, mysql.CodeAgentNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// instrument 为单个处理器挂上请求指标采集。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
