package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/gift"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const operatorWalletContextKey = "glimmer_operator_wallet"

var (
	errMissingClockService = errors.New("clock service dependency required")
	errMissingVoteRouter   = errors.New("vote router dependency required")
	errMissingGiftService  = errors.New("gift service dependency required")
	errMissingRoundMerger  = errors.New("round merger dependency required")
)

// ClockService is the read side of the clock authority.
type ClockService interface {
	CurrentState() clock.State
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}

// VoteSubmitter accepts trivia votes.
type VoteSubmitter interface {
	SubmitVote(ctx context.Context, wallet string, rawOption string) (ingress.VoteOutcome, error)
}

// GiftService is the auction actor.
type GiftService interface {
	Start(ctx context.Context, request gift.StartRequest) (gift.State, error)
	Bid(ctx context.Context, wallet string, amount int64, now int64) (gift.BidResult, error)
	Finalize(ctx context.Context, now int64) *gift.State
	State() *gift.State
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}

// RoundMerger forces the merge of the pending trivia round.
type RoundMerger interface {
	MergeNow(ctx context.Context) (*trivia.Result, error)
}

// SessionValidator authenticates operator requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface. A nil Sessions leaves operator routes open.
type Dependencies struct {
	Clock          ClockService
	Votes          VoteSubmitter
	Gift           GiftService
	Merger         RoundMerger
	Sessions       SessionValidator
	Operators      auth.OperatorPolicy
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the show API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Clock == nil {
		return nil, errMissingClockService
	}
	if deps.Votes == nil {
		return nil, errMissingVoteRouter
	}
	if deps.Gift == nil {
		return nil, errMissingGiftService
	}
	if deps.Merger == nil {
		return nil, errMissingRoundMerger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		clock:     deps.Clock,
		votes:     deps.Votes,
		gift:      deps.Gift,
		merger:    deps.Merger,
		sessions:  deps.Sessions,
		operators: deps.Operators,
		logger:    logger,
		upgrader:  newUpgrader(deps.AllowedOrigins),
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/clock", handler.handleClock)
	router.GET("/clock/stream", handler.handleClockStream)
	router.POST("/vote", handler.handleVote)
	router.POST("/gift/bid", handler.handleGiftBid)
	router.GET("/gift/state", handler.handleGiftState)
	router.GET("/gift/stream", handler.handleGiftStream)

	operator := router.Group("/")
	operator.Use(handler.authorizeOperator)
	operator.POST("/gift/start", handler.handleGiftStart)
	operator.POST("/gift/finalize", handler.handleGiftFinalize)
	operator.POST("/trivia/merge", handler.handleTriviaMerge)

	return router, nil
}

// corsMiddleware allows the configured origins. No origins, or "*", allows any.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Wallet-Address"},
		AllowCredentials: true,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	clock     ClockService
	votes     VoteSubmitter
	gift      GiftService
	merger    RoundMerger
	sessions  SessionValidator
	operators auth.OperatorPolicy
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.operators.Allows(claims) {
		h.logger.Warn("operator access denied", zap.String("wallet", claims.Wallet))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(operatorWalletContextKey, claims.Wallet)
	c.Next()
}
