package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/internal/execution"
	"trading-pipeline/internal/feed"
	"trading-pipeline/internal/pipeline"
	"trading-pipeline/pkg/exchanges/common"
)

type submitIntentRequest struct {
	Symbol          string          `json:"symbol" binding:"required,min=1"`
	Side            string          `json:"side" binding:"required,oneof=BUY SELL"`
	Size            decimal.Decimal `json:"size"`
	SizeType        string          `json:"size_type" binding:"omitempty,oneof=CONTRACTS USD"`
	ReduceOnly      bool            `json:"reduce_only"`
	MaxRetries      int             `json:"max_retries" binding:"gte=0"`
	RetryIntervalMs int64           `json:"retry_interval_ms" binding:"gte=0"`
}

type closePositionRequest struct {
	Symbol       string          `json:"symbol"`
	Percentage   decimal.Decimal `json:"percentage"`
	Quantity     decimal.Decimal `json:"quantity"`
	QuantityType string          `json:"quantity_type" binding:"omitempty,oneof=CONTRACTS USD"`
	UseChaser    bool            `json:"use_chaser"`
}

type setLeverageRequest struct {
	Symbol   string `json:"symbol" binding:"required,min=1"`
	Leverage int    `json:"leverage" binding:"required,min=1,max=125"`
}

type cancelAllRequest struct {
	Symbol string `json:"symbol" binding:"required,min=1"`
}

type reloadHandlerRequest struct {
	Name string `json:"name" binding:"required,min=1"`
}

type ledgerHistoryQuery struct {
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit"`
}

func (q *ledgerHistoryQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pipeline.Status())
}

func (s *Server) getLedger(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pipeline.Ledger())
}

func (s *Server) getLedgerHistory(c *gin.Context) {
	var q ledgerHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	rows, err := s.Pipeline.History(c.Request.Context(), q.Symbol, q.Limit)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoDatabase) {
			respondError(c, http.StatusServiceUnavailable, "NO_DATABASE", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

func (s *Server) getHandlers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":    s.Pipeline.Status().Handler,
		"available": s.Pipeline.Handlers(),
	})
}

func (s *Server) submitIntent(c *gin.Context) {
	var req submitIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	intent := execution.OrderIntent{
		Symbol:        req.Symbol,
		Side:          common.Side(req.Side),
		SizeValue:     req.Size,
		SizeType:      execution.SizeType(req.SizeType),
		ReduceOnly:    req.ReduceOnly,
		MaxRetries:    req.MaxRetries,
		RetryInterval: time.Duration(req.RetryIntervalMs) * time.Millisecond,
		Source:        pipeline.SourceCommand,
	}
	id, err := s.Pipeline.SubmitIntent(c.Request.Context(), intent)
	switch {
	case err == nil:
		s.logger.Info("intent accepted",
			zap.String("intent", id), zap.String("symbol", req.Symbol), zap.String("side", req.Side),
			zap.String("operator", CurrentSubject(c)))
		c.JSON(http.StatusAccepted, gin.H{"intent_id": id})
	case errors.Is(err, execution.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
	case errors.Is(err, execution.ErrEngineStopped):
		respondError(c, http.StatusServiceUnavailable, "ENGINE_STOPPED", err.Error())
	default:
		respondError(c, http.StatusBadRequest, "INVALID_INTENT", err.Error())
	}
}

// closePosition closes synchronously with market orders. With use_chaser
// the close can take minutes, so it runs detached and is answered with 202;
// its outcome lands in the ledger under the returned intent id.
func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	creq := execution.CloseRequest{
		Symbol:       req.Symbol,
		Percentage:   req.Percentage,
		Quantity:     req.Quantity,
		QuantityType: execution.QuantityType(req.QuantityType),
		UseChaser:    req.UseChaser,
		IntentID:     uuid.NewString(),
		Source:       pipeline.SourceCommand,
	}

	if req.UseChaser {
		// gin reuses c once the handler returns
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := s.Pipeline.Close(ctx, creq); err != nil {
				s.logger.Warn("chased close failed", zap.String("intent", creq.IntentID), zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"intent_id": creq.IntentID})
		return
	}

	entries, err := s.Pipeline.Close(c.Request.Context(), creq)
	if err != nil {
		status, code := http.StatusBadGateway, "CLOSE_FAILED"
		if errors.Is(err, execution.ErrNoPosition) {
			status, code = http.StatusNotFound, "NO_POSITION"
		}
		c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error(), "entries": entries})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent_id": creq.IntentID, "entries": entries})
}

func (s *Server) setLeverage(c *gin.Context) {
	var req setLeverageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	entry, err := s.Pipeline.SetLeverage(c.Request.Context(), req.Symbol, req.Leverage)
	if err != nil {
		c.AbortWithStatusJSON(exchangeStatus(err), gin.H{"code": "EXCHANGE_ERROR", "error": err.Error(), "entry": entry})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) cancelAll(c *gin.Context) {
	var req cancelAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	entry, err := s.Pipeline.CancelAll(c.Request.Context(), req.Symbol)
	if err != nil {
		c.AbortWithStatusJSON(exchangeStatus(err), gin.H{"code": "EXCHANGE_ERROR", "error": err.Error(), "entry": entry})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) reloadHandler(c *gin.Context) {
	var req reloadHandlerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.Pipeline.ReloadHandler(req.Name); err != nil {
		if errors.Is(err, feed.ErrUnknownHandler) {
			respondError(c, http.StatusBadRequest, "UNKNOWN_HANDLER", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "RELOAD_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.Pipeline.Status().Handler})
}

// exchangeStatus maps an exchange rejection to 400 and anything else to 502.
func exchangeStatus(err error) int {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && !common.IsRetryable(err) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
