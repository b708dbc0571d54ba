package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/ingress"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type coder interface {
	Code() string
}

func errorCode(err error, fallback string) string {
	var coded coder
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return fallback
}

type healthResponsePayload struct {
	OK              bool    `json:"ok"`
	SpeedMultiplier float64 `json:"speedMultiplier"`
	NextBoundary    int64   `json:"nextBoundary"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	state := h.clock.CurrentState()
	c.JSON(http.StatusOK, healthResponsePayload{
		OK:              true,
		SpeedMultiplier: state.SpeedMultiplier,
		NextBoundary:    state.NextBoundaryAt,
	})
}

func (h *httpHandler) handleClock(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.handleClockStream(c)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.clock.CurrentState())
}

func (h *httpHandler) handleClockStream(c *gin.Context) {
	h.serveStream(c, "clock", h.clock.Subscribe)
}

type voteRequestPayload struct {
	Wallet string `json:"wallet"`
	Option string `json:"option"`
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_vote"})
		return
	}

	outcome, err := h.votes.SubmitVote(c.Request.Context(), request.Wallet, request.Option)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, outcome)
	case errors.Is(err, ingress.ErrInvalidVote):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_vote"})
	case errors.Is(err, ingress.ErrVotingClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "voting_closed"})
	case errors.Is(err, ingress.ErrVoteWindowElapsed):
		c.JSON(http.StatusConflict, gin.H{"error": "vote_window_elapsed"})
	default:
		h.logger.Error("failed to record vote", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": errorCode(err, "vote_failed")})
	}
}

type giftStartRequestPayload struct {
	GiftID     int64 `json:"giftId"`
	Threshold  int64 `json:"threshold"`
	DurationMs int64 `json:"durationMs"`
	Now        int64 `json:"now"`
}

func (h *httpHandler) handleGiftStart(c *gin.Context) {
	var request giftStartRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	state, err := h.gift.Start(c.Request.Context(), gift.StartRequest{
		GiftID:     request.GiftID,
		Threshold:  request.Threshold,
		DurationMs: request.DurationMs,
		Now:        request.Now,
	})
	if err != nil {
		if errors.Is(err, gift.ErrInvalidStart) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start"})
			return
		}
		h.logger.Error("failed to start gift auction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCode(err, "start_failed")})
		return
	}
	h.logger.Info("gift auction started by operator",
		zap.String("operator", c.GetString(operatorWalletContextKey)),
		zap.Int64("gift_id", state.GiftID))
	c.JSON(http.StatusOK, state)
}

type giftBidRequestPayload struct {
	Wallet string `json:"wallet"`
	Amount int64  `json:"amount"`
	Now    int64  `json:"now"`
}

func (h *httpHandler) handleGiftBid(c *gin.Context) {
	var request giftBidRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid_bid"})
		return
	}

	result, err := h.gift.Bid(c.Request.Context(), request.Wallet, request.Amount, request.Now)
	if err != nil {
		if errors.Is(err, gift.ErrInvalidBid) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid_bid"})
			return
		}
		h.logger.Error("failed to place bid", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "reason": errorCode(err, "bid_failed")})
		return
	}
	if !result.OK {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type giftFinalizeRequestPayload struct {
	Now int64 `json:"now"`
}

func (h *httpHandler) handleGiftFinalize(c *gin.Context) {
	var request giftFinalizeRequestPayload
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	state := h.gift.Finalize(c.Request.Context(), request.Now)
	if state == nil {
		c.JSON(http.StatusConflict, gin.H{"error": gift.ReasonNoActiveEvent})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleGiftState(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.gift.State())
}

func (h *httpHandler) handleGiftStream(c *gin.Context) {
	h.serveStream(c, "gift", h.gift.Subscribe)
}

func (h *httpHandler) handleTriviaMerge(c *gin.Context) {
	result, err := h.merger.MergeNow(c.Request.Context())
	if err != nil {
		h.logger.Error("forced merge failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": errorCode(err, "merge_failed")})
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"merged": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": true, "result": result})
}
