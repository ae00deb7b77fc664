package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"marketsync/internal/kalshi"
	"marketsync/internal/state"
	"marketsync/models"
)

type paramsRequest struct {
	TargetSpreadBps *int64   `json:"target_spread_bps" binding:"required,min=0"`
	MaxInventory    *int64   `json:"max_inventory" binding:"required,min=0"`
	BaseQuoteSize   *int64   `json:"base_quote_size" binding:"required,gt=0"`
	Skew            *float64 `json:"skew" binding:"required,gte=-1,lte=1"`
}

type fillRequest struct {
	Side  string           `json:"side" binding:"required,oneof=buy sell"`
	Price *decimal.Decimal `json:"price" binding:"required"`
	Size  int64            `json:"size" binding:"required,gt=0"`
}

type activeMarketRequest struct {
	Ticker string `json:"ticker" binding:"required"`
}

type searchRequest struct {
	Query string `json:"q"`
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var httpErr *kalshi.HTTPError
	var transportErr *kalshi.TransportError
	switch {
	case errors.Is(err, state.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrKillSwitchActive),
		errors.Is(err, state.ErrBotNotRunning),
		errors.Is(err, state.ErrQuotingDisabled),
		errors.Is(err, state.ErrInventoryLimit):
		return http.StatusConflict
	case errors.As(err, &httpErr), errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) flags() gin.H {
	v := s.state.Snapshot()
	return gin.H{
		"kill_switch_active": v.KillSwitchActive,
		"is_bot_running":     v.BotRunning,
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot())
}

func (s *Server) getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.state.Activity()})
}

// listMarkets filters by ?q=, falling back to the stored search filter when
// the parameter is absent.
func (s *Server) listMarkets(c *gin.Context) {
	q, ok := c.GetQuery("q")
	if !ok {
		q = s.state.SearchFilter()
	}
	c.JSON(http.StatusOK, gin.H{"markets": s.state.List(q), "filter": q})
}

func (s *Server) getMarket(c *gin.Context) {
	m, ok := s.state.Get(c.Param("ticker"))
	if !ok {
		writeError(c, state.ErrUnknownMarket)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) toggleQuoting(c *gin.Context) {
	ticker := c.Param("ticker")
	active, err := s.state.ToggleQuoting(ticker)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": ticker, "quoting_active": active})
}

func (s *Server) updateParams(c *gin.Context) {
	var req paramsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticker := c.Param("ticker")
	params := models.StrategyParams{
		TargetSpreadBps: *req.TargetSpreadBps,
		MaxInventory:    *req.MaxInventory,
		BaseQuoteSize:   *req.BaseQuoteSize,
		Skew:            *req.Skew,
	}
	if err := s.state.UpdateStrategyParams(ticker, params); err != nil {
		writeError(c, err)
		return
	}
	m, _ := s.state.Get(ticker)
	c.JSON(http.StatusOK, m.StrategyParams)
}

func (s *Server) recordFill(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.state.RecordFill(c.Param("ticker"), models.TradeFill{
		Side:  models.FillSide(req.Side),
		Price: *req.Price,
		Size:  req.Size,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) startBot(c *gin.Context) {
	if err := s.ctl.Start(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.flags())
}

func (s *Server) stopBot(c *gin.Context) {
	s.ctl.Stop()
	c.JSON(http.StatusOK, s.flags())
}

func (s *Server) resubscribe(c *gin.Context) {
	if err := s.ctl.Resubscribe(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.flags())
}

func (s *Server) activateKillSwitch(c *gin.Context) {
	s.ctl.ActivateKillSwitch()
	c.JSON(http.StatusOK, s.flags())
}

func (s *Server) deactivateKillSwitch(c *gin.Context) {
	s.ctl.DeactivateKillSwitch()
	c.JSON(http.StatusOK, s.flags())
}

func (s *Server) setActiveMarket(c *gin.Context) {
	var req activeMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.state.SetActiveTicker(req.Ticker); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_ticker": req.Ticker})
}

func (s *Server) setSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.SetSearchFilter(req.Query)
	c.JSON(http.StatusOK, gin.H{"search_filter": req.Query})
}

func (s *Server) refresh(c *gin.Context) {
	n, err := s.ctl.Refresh(c.Request.Context(), c.Query("series"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// refreshMarket pulls one market from the REST API, adding it when new.
func (s *Server) refreshMarket(c *gin.Context) {
	m, err := s.ctl.FetchMarket(c.Request.Context(), c.Param("ticker"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
