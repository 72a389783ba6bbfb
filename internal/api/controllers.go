package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/controller"
	"digit-trader/internal/engine"
	"digit-trader/pkg/db"
	"digit-trader/pkg/i18n"
)

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type credentialsRequest struct {
	Mode  account.Mode `json:"mode" binding:"required,oneof=DEMO LIVE"`
	Token string       `json:"token" binding:"required,min=1,max=256"`
}

type listTradesQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=PENDING WON LOST ERRORED"`
	Symbol string `form:"symbol" binding:"omitempty,max=32"`
	Since  string `form:"since"`
	Limit  int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// lang picks the response language from Accept-Language, falling back to
// the server default.
func (s *Server) lang(c *gin.Context) i18n.Language {
	if h := c.GetHeader("Accept-Language"); h != "" {
		return i18n.Parse(h)
	}
	if s.Language != "" {
		return s.Language
	}
	return i18n.GetLanguage()
}

// respondEngineError maps engine and controller errors onto HTTP codes.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	lang := s.lang(c)
	switch {
	case errors.Is(err, controller.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", i18n.Reason(lang, "ALREADY_RUNNING"))
	case errors.Is(err, controller.ErrInvalidConfig):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	case errors.Is(err, controller.ErrNotRunning):
		respondError(c, http.StatusConflict, "NOT_RUNNING", i18n.Reason(lang, "NOT_RUNNING"))
	case errors.Is(err, controller.ErrLiveAccount):
		respondError(c, http.StatusForbidden, "LIVE_ACCOUNT", err.Error())
	case errors.Is(err, engine.ErrInvalidAmount), errors.Is(err, account.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, account.ErrInsufficientFund):
		respondError(c, http.StatusConflict, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, engine.ErrInvalidMode):
		respondError(c, http.StatusBadRequest, "INVALID_MODE", err.Error())
	case errors.Is(err, engine.ErrSessionActive):
		respondError(c, http.StatusConflict, "SESSION_ACTIVE", err.Error())
	case errors.Is(err, engine.ErrCredentialsDisabled):
		respondError(c, http.StatusServiceUnavailable, "CREDENTIALS_DISABLED", err.Error())
	case errors.Is(err, db.ErrUserIDRequired):
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusRequestTimeout, "TIMEOUT", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// --- Trading ---

func (s *Server) startTrading(c *gin.Context) {
	var cfg controller.StartConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	if err := s.Engine.StartTrading(c.Request.Context(), CurrentUserID(c), cfg); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: i18n.MessagesFor(s.lang(c)).TradingStarted})
}

func (s *Server) stopTrading(c *gin.Context) {
	wasRunning, err := s.Engine.StopTrading(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	msg := i18n.MessagesFor(s.lang(c)).TradingStopped
	if !wasRunning {
		msg = i18n.MessagesFor(s.lang(c)).AlreadyStopped
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg})
}

func (s *Server) pauseTrading(c *gin.Context) {
	if err := s.Engine.PauseTrading(c.Request.Context(), CurrentUserID(c)); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: i18n.MessagesFor(s.lang(c)).TradingPaused})
}

func (s *Server) resumeTrading(c *gin.Context) {
	if err := s.Engine.ResumeTrading(c.Request.Context(), CurrentUserID(c)); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: i18n.MessagesFor(s.lang(c)).TradingResumed})
}

type statusResponse struct {
	controller.Status
	LastDecisionText string `json:"last_decision_text,omitempty"`
}

func (s *Server) tradingStatus(c *gin.Context) {
	st := s.Engine.Status(c.Request.Context(), CurrentUserID(c))
	c.JSON(http.StatusOK, statusResponse{
		Status:           st,
		LastDecisionText: i18n.Reason(s.lang(c), st.LastDecisionReason),
	})
}

func (s *Server) activeTrades(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.Engine.ActiveTrades(c.Request.Context(), CurrentUserID(c))})
}

func (s *Server) tradingHistory(c *gin.Context) {
	h, err := s.Engine.History(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// --- Account ---

func (s *Server) deposit(c *gin.Context) {
	s.adjustBalance(c, s.Engine.Deposit, i18n.MessagesFor(s.lang(c)).DepositApplied)
}

func (s *Server) withdraw(c *gin.Context) {
	s.adjustBalance(c, s.Engine.Withdraw, i18n.MessagesFor(s.lang(c)).WithdrawApplied)
}

func (s *Server) adjustBalance(c *gin.Context, apply func(ctx context.Context, userID string, amount decimal.Decimal) error, okMsg string) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := apply(c.Request.Context(), CurrentUserID(c), req.Amount); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: okMsg})
}

func (s *Server) saveCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if err := s.Engine.SaveCredentials(c.Request.Context(), CurrentUserID(c), req.Mode, req.Token); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Success: true, Message: i18n.MessagesFor(s.lang(c)).CredentialsSet})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	f := db.TradeFilter{Status: q.Status, Symbol: q.Symbol, Limit: q.Limit}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since must be RFC3339")
			return
		}
		f.Since = since
	}
	trades, err := s.Engine.QueryTrades(c.Request.Context(), CurrentUserID(c), f)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics are not collected")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
