// Package api 暴露会话管理的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"AgentLoop/internal/engine"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/governor"
	"AgentLoop/internal/state"
	"AgentLoop/internal/tool"
	"AgentLoop/pkg/logger"
)

// Config 是 HTTP 服务配置。
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server 承载 REST 接口，治理拦截发生在业务处理之前。
type Server struct {
	httpServer *http.Server
	store      state.Store
	sched      *engine.Scheduler
	stops      *engine.StopController
	gov        *governor.Governor
	tools      *tool.Registry
	log        *slog.Logger
}

// NewServer 创建服务。gov 允许为 nil，此时不做配额拦截。
func NewServer(cfg Config, store state.Store, sched *engine.Scheduler, stops *engine.StopController,
	gov *governor.Governor, tools *tool.Registry) *Server {
	s := &Server{
		store: store,
		sched: sched,
		stops: stops,
		gov:   gov,
		tools: tools,
		log:   logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("GET /api/v1/forks/{id}", s.handleGetFork)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.rateLimit(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start 开始监听，阻塞直到服务退出。
func (s *Server) Start() error {
	s.log.Info("HTTP 服务启动", slog.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅下线。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler 返回完整的处理链，测试用。
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// rateLimit 按调用方身份做请求限流，限流元数据写入响应头。
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.gov == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.gov.AllowRequest(r.Context(), callerIdentity(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, h := range decision.Headers() {
			w.Header().Set(h[0], h[1])
		}
		if !decision.Allowed {
			s.writeError(w, xerrors.New(xerrors.CodeRateLimited, "请求频率超出限制"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createSessionRequest struct {
	Goal       string `json:"goal"`
	Autonomous bool   `json:"autonomous"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法 JSON"))
		return
	}

	release := func() {}
	if s.gov != nil {
		rel, decision, err := s.gov.Acquire(r.Context(), "sessions")
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !decision.Allowed {
			s.writeError(w, xerrors.New(xerrors.CodeConcurrencyLimited, "并发会话数已达上限"))
			return
		}
		release = rel
	}

	sess, err := s.sched.CreateSession(r.Context(), req.Goal, req.Autonomous)
	if err != nil {
		release()
		s.writeError(w, err)
		return
	}

	go func() {
		defer release()
		if err := s.sched.RunSession(context.Background(), sess.ID); err != nil {
			s.log.Warn("会话执行结束于错误",
				slog.String("session_id", sess.ID),
				slog.Any("error", err))
		}
	}()

	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	todos, err := s.store.ListTodos(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	forks, err := s.store.ListForkTasks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":    sess,
		"steps":      steps,
		"todos":      todos,
		"fork_tasks": forks,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stopSessionRequest struct {
	Graceful  bool `json:"graceful"`
	SaveState bool `json:"save_state"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if state.IsTerminalSession(sess.Status) {
		s.writeError(w, xerrors.New(xerrors.CodeConflict, "会话已结束"))
		return
	}

	req := stopSessionRequest{Graceful: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法 JSON"))
			return
		}
	}
	s.stops.RequestStop(id, req.Graceful, req.SaveState)

	// 空闲会话没有执行循环来确认停止，这里直接落停。
	if !sess.Running {
		go func() {
			if err := s.sched.RunSession(context.Background(), id); err != nil {
				s.log.Warn("停止空闲会话失败", slog.String("session_id", id), slog.Any("error", err))
			}
		}()
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"graceful":   req.Graceful,
		"save_state": req.SaveState,
	})
}

type resumeSessionRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resumeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法 JSON"))
		return
	}
	if err := s.sched.Resume(r.Context(), id, req.Answer); err != nil {
		s.writeError(w, err)
		return
	}
	go func() {
		if err := s.sched.RunSession(context.Background(), id); err != nil {
			s.log.Warn("恢复会话执行失败", slog.String("session_id", id), slog.Any("error", err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id})
}

func (s *Server) handleGetFork(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetForkTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tools.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	s.writeJSON(w, httpStatus(code), errorBody{Code: string(code), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("写响应失败", slog.Any("error", err))
	}
}

func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeActionMalformed,
		xerrors.CodeActionUnknown, xerrors.CodeActionMissing:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, state.CodeSessionNotFound, state.CodeStepNotFound,
		state.CodeForkTaskNotFound, state.CodeTodoNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeRateLimited, xerrors.CodeTokenBudgetExhaust:
		return http.StatusTooManyRequests
	case xerrors.CodeConcurrencyLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// callerIdentity 取调用方身份：优先 API Key，退化为来源 IP。
func callerIdentity(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
