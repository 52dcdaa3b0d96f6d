package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "github.com/aegis-vaults/aegis-app-sub000/internal/errors"
	"github.com/aegis-vaults/aegis-app-sub000/internal/guardian"
	"github.com/aegis-vaults/aegis-app-sub000/internal/observability/metrics"
	"github.com/aegis-vaults/aegis-app-sub000/internal/override"
	"github.com/aegis-vaults/aegis-app-sub000/internal/vault"
)

// Server 负责暴露 REST 接口，供外部提交与检视覆写支出。
type Server struct {
	addr      string
	overrides *override.Service
	deriver   *vault.Deriver
	guard     *guardian.Guardian
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithDeriver 启用金库地址推导接口。
func WithDeriver(deriver *vault.Deriver) Option {
	return func(s *Server) {
		s.deriver = deriver
	}
}

// WithGuardian 启用金库健康报告接口。
func WithGuardian(guard *guardian.Guardian) Option {
	return func(s *Server) {
		s.guard = guard
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, overrides *override.Service, opts ...Option) *Server {
	s := &Server{addr: addr, overrides: overrides}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
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

// Routes 返回完整的路由表，便于测试直接挂载。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/overrides", instrument("overrides", s.handleOverrides))
	mux.HandleFunc("/api/v1/overrides/stats", instrument("override_stats", s.handleStats))
	mux.HandleFunc("/api/v1/overrides/", instrument("override_detail", s.handleOverrideDetail))
	mux.HandleFunc("/api/v1/vaults/derive", instrument("vault_derive", s.handleDerive))
	mux.HandleFunc("/api/v1/vaults/", instrument("vault_health", s.handleVaultHealth))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// runView 在 Run 之上补充 outcome 字段。确认结果未知的 Run 单独
// 标记为 uncertain，不能直接当作失败展示。
type runView struct {
	*override.Run
	Outcome string `json:"outcome"`
}

func viewOf(run *override.Run) runView {
	return runView{Run: run, Outcome: outcomeOf(run)}
}

func outcomeOf(run *override.Run) string {
	switch run.Status {
	case override.StatusSucceeded:
		return "succeeded"
	case override.StatusFailed:
		if run.ErrorCode == string(override.CodeConfirmationUncertain) {
			return "uncertain"
		}
		return "failed"
	case override.StatusPending:
		return "pending"
	default:
		return "in_flight"
	}
}

type submitRequest struct {
	ID             string `json:"id,omitempty"`
	Vault          string `json:"vault"`
	Destination    string `json:"destination"`
	AmountLamports uint64 `json:"amount_lamports"`
	Reason         string `json:"reason"`
	RequestedBy    string `json:"requested_by"`
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "覆写服务未初始化")
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	req, err := vault.ParseOverrideRequest(body.Vault, body.Destination, body.AmountLamports, body.Reason, body.RequestedBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.overrides.Submit(r.Context(), req, body.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(run))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "覆写服务未初始化")
		return
	}

	opts := listOptionsFromQuery(r)
	runs, err := s.overrides.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewOf(run))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleOverrideDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "覆写服务未初始化")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/overrides/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "缺少覆写 Run 标识")
		return
	}

	run, err := s.overrides.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(run))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "覆写服务未初始化")
		return
	}

	stats, err := s.overrides.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.deriver == nil {
		writeError(w, http.StatusServiceUnavailable, "地址推导未启用")
		return
	}

	owner, err := solana.PublicKeyFromBase58(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner 不是合法的 base58 公钥")
		return
	}
	nonce, err := strconv.ParseUint(r.URL.Query().Get("nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "nonce 不是合法的无符号整数")
		return
	}

	identity, err := s.deriver.Identity(owner, nonce)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleVaultHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.guard == nil {
		writeError(w, http.StatusServiceUnavailable, "守护者未启用")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/vaults/")
	addr, ok := strings.CutSuffix(rest, "/health")
	if !ok || addr == "" {
		writeError(w, http.StatusBadRequest, "路径格式应为 /api/v1/vaults/{address}/health")
		return
	}
	vaultAddr, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "金库地址不是合法的 base58 公钥")
		return
	}

	report, ok := s.guard.Latest(vaultAddr)
	if !ok {
		writeError(w, http.StatusNotFound, "该金库尚无健康报告")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func listOptionsFromQuery(r *http.Request) []override.ListOption {
	query := r.URL.Query()
	var opts []override.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, override.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, override.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []override.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, override.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, override.WithStatuses(statuses...))
	}
	if raw := query.Get("vault"); raw != "" {
		opts = append(opts, override.WithVault(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, override.WithQuery(raw))
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeServiceError 把统一错误码映射为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	switch xerrors.CodeOf(err) {
	case override.CodeRunNotFound, xerrors.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case override.CodeRunConflict, xerrors.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case xerrors.CodeInvalidInput:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// instrument 记录每个接口的请求指标。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
