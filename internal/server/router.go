package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/guildhall-labs/guildhall/backend/internal/ledger"
	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"github.com/guildhall-labs/guildhall/backend/internal/tickets"
	"go.uber.org/zap"
)

const actorContextKey = "guildhall_actor_id"

const defaultLeaderboardLimit = 10

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingTicketService = errors.New("ticket service dependency required")
	errMissingLedgerService = errors.New("ledger service dependency required")
	errMissingGatewayKey    = errors.New("gateway key required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates actor tokens for the gateway.
type TokenManager interface {
	IssueActorToken(ctx context.Context, memberID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the command layer to the core services.
type Dependencies struct {
	TokenManager TokenManager
	Tickets      *tickets.Service
	Ledger       *ledger.Service
	Events       *EventDispatcher
	GatewayKey   string
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing every core operation to the
// gateway. The gateway translates results into user-facing messages; this
// layer only maps operations and rejections.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Tickets == nil {
		return nil, errMissingTicketService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}
	if strings.TrimSpace(deps.GatewayKey) == "" {
		return nil, errMissingGatewayKey
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		tickets:    deps.Tickets,
		ledger:     deps.Ledger,
		events:     events,
		gatewayKey: []byte(deps.GatewayKey),
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/tickets", handler.handleOpenTicket)
	protected.POST("/tickets/:channel/accept", handler.handleAcceptTicket)
	protected.POST("/tickets/:channel/close", handler.handleRequestClose)
	protected.POST("/tickets/:channel/close/confirm", handler.handleConfirmClose)
	protected.POST("/tickets/:channel/close/cancel", handler.handleCancelClose)
	protected.DELETE("/tickets/:channel", handler.handleDeleteTicket)
	protected.POST("/tickets/:channel/participants", handler.handleAddParticipant)
	protected.GET("/tickets/:channel/transcript", handler.handleTranscript)
	protected.POST("/platform/channel-removed", handler.handleChannelRemoved)

	protected.POST("/activity/messages", handler.handleMessageActivity)
	protected.POST("/economy/daily", handler.handleClaimDaily)
	protected.POST("/economy/deposit", handler.handleDeposit)
	protected.POST("/economy/withdraw", handler.handleWithdraw)
	protected.POST("/economy/transfer", handler.handleTransfer)
	protected.GET("/economy/balance/:member", handler.handleBalance)
	protected.GET("/levels/:member", handler.handleProgress)
	protected.GET("/leaderboard/levels", handler.handleLevelLeaderboard)
	protected.GET("/leaderboard/wealth", handler.handleWealthLeaderboard)
	protected.POST("/reputation", handler.handleGiveReputation)
	protected.GET("/reputation/:member", handler.handleReputation)

	protected.POST("/moderation/warnings", handler.handleWarn)
	protected.GET("/moderation/warnings/:member", handler.handleListWarnings)
	protected.DELETE("/moderation/warnings/:member/:sequence", handler.handleRemoveWarning)

	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	tickets    *tickets.Service
	ledger     *ledger.Service
	events     *EventDispatcher
	gatewayKey []byte
	logger     *zap.Logger
}

type issueTokenPayload struct {
	GatewayKey string `json:"gateway_key"`
	MemberID   string `json:"member_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request issueTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.GatewayKey), h.gatewayKey) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueActorToken(c.Request.Context(), strings.TrimSpace(request.MemberID))
	if err != nil {
		h.logger.Error("failed to issue actor token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, subject)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) string {
	return c.GetString(actorContextKey)
}

type ticketResponsePayload struct {
	Channel     string `json:"channel"`
	Category    string `json:"category"`
	RequesterID string `json:"requester_id"`
	AcceptedBy  string `json:"accepted_by,omitempty"`
	State       string `json:"state"`
	CreatedAtS  int64  `json:"created_at_s"`
}

func ticketResponse(ticket tickets.Ticket) ticketResponsePayload {
	return ticketResponsePayload{
		Channel:     ticket.Channel.String(),
		Category:    string(ticket.Category),
		RequesterID: ticket.RequesterID,
		AcceptedBy:  ticket.AcceptedBy,
		State:       string(ticket.State),
		CreatedAtS:  ticket.CreatedAt.Unix(),
	}
}

type openTicketPayload struct {
	Category string `json:"category"`
}

func (h *httpHandler) handleOpenTicket(c *gin.Context) {
	var request openTicketPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ticket, err := h.tickets.Open(c.Request.Context(), h.actor(c), request.Category)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishTicketEvent(EventTicketOpened, ticket)
	c.JSON(http.StatusCreated, ticketResponse(ticket))
}

func (h *httpHandler) handleAcceptTicket(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	ticket, err := h.tickets.Accept(c.Request.Context(), channel, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishTicketEvent(EventTicketAccepted, ticket)
	c.JSON(http.StatusOK, ticketResponse(ticket))
}

func (h *httpHandler) handleRequestClose(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	if err := h.tickets.RequestClose(c.Request.Context(), channel, h.actor(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmation_required"})
}

func (h *httpHandler) handleConfirmClose(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	ticket, err := h.tickets.ConfirmClose(c.Request.Context(), channel, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishTicketEvent(EventTicketClosing, ticket)
	c.JSON(http.StatusOK, ticketResponse(ticket))
}

func (h *httpHandler) handleCancelClose(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	if err := h.tickets.CancelClose(c.Request.Context(), channel, h.actor(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "close_cancelled"})
}

func (h *httpHandler) handleDeleteTicket(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	ticket, err := h.tickets.Delete(c.Request.Context(), channel, h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishTicketEvent(EventTicketDeleted, ticket)
	c.JSON(http.StatusOK, ticketResponse(ticket))
}

type addParticipantPayload struct {
	MemberID string `json:"member_id"`
}

func (h *httpHandler) handleAddParticipant(c *gin.Context) {
	var request addParticipantPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel := platform.ChannelHandle(c.Param("channel"))
	if err := h.tickets.AddParticipant(c.Request.Context(), channel, strings.TrimSpace(request.MemberID)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "participant_added"})
}

func (h *httpHandler) handleTranscript(c *gin.Context) {
	channel := platform.ChannelHandle(c.Param("channel"))
	transcript, err := h.tickets.Transcript(c.Request.Context(), channel)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcript": transcript})
}

type channelRemovedPayload struct {
	Channel string `json:"channel"`
}

func (h *httpHandler) handleChannelRemoved(c *gin.Context) {
	var request channelRemovedPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Channel) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	removed := h.tickets.HandleChannelRemoved(platform.ChannelHandle(request.Channel))
	c.JSON(http.StatusOK, gin.H{"reconciled": removed})
}

type messageOutcomePayload struct {
	CooldownActive    bool  `json:"cooldown_active"`
	ExperienceAwarded int64 `json:"experience_awarded"`
	LeveledUp         bool  `json:"leveled_up"`
	NewLevel          int64 `json:"new_level,omitempty"`
	LevelReward       int64 `json:"level_reward,omitempty"`
	PassiveCoins      int64 `json:"passive_coins"`
}

func (h *httpHandler) handleMessageActivity(c *gin.Context) {
	actor := h.actor(c)
	outcome := h.ledger.RecordMessage(c.Request.Context(), actor)
	if outcome.LeveledUp {
		h.events.Publish(Event{
			Topic:    TopicGamification,
			Type:     EventLevelUp,
			MemberID: actor,
			Detail:   map[string]any{"level": outcome.NewLevel, "reward": outcome.LevelReward},

			Timestamp: time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, messageOutcomePayload{
		CooldownActive:    outcome.CooldownActive,
		ExperienceAwarded: outcome.ExperienceAwarded,
		LeveledUp:         outcome.LeveledUp,
		NewLevel:          outcome.NewLevel,
		LevelReward:       outcome.LevelReward,
		PassiveCoins:      outcome.PassiveCoins,
	})
}

func (h *httpHandler) handleClaimDaily(c *gin.Context) {
	reward, err := h.ledger.ClaimDaily(c.Request.Context(), h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"base":    reward.Base,
		"bonus":   reward.Bonus,
		"total":   reward.Total,
		"on_hand": reward.OnHand,
	})
}

type amountPayload struct {
	Amount string `json:"amount"`
}

func parseAmount(raw string) (int64, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "all" {
		return ledger.AmountAll, true
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func (h *httpHandler) handleMoveFunds(c *gin.Context, deposit bool) {
	var request amountPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	amount, ok := parseAmount(request.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "reason": "amount must be a positive integer or \"all\""})
		return
	}

	var receipt ledger.MoveReceipt
	var err error
	if deposit {
		receipt, err = h.ledger.Deposit(c.Request.Context(), h.actor(c), amount)
	} else {
		receipt, err = h.ledger.Withdraw(c.Request.Context(), h.actor(c), amount)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": receipt.Amount, "on_hand": receipt.OnHand, "banked": receipt.Banked})
}

func (h *httpHandler) handleDeposit(c *gin.Context) {
	h.handleMoveFunds(c, true)
}

func (h *httpHandler) handleWithdraw(c *gin.Context) {
	h.handleMoveFunds(c, false)
}

type transferPayload struct {
	MemberID string `json:"member_id"`
	Amount   int64  `json:"amount"`
}

func (h *httpHandler) handleTransfer(c *gin.Context) {
	var request transferPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	receipt, err := h.ledger.Transfer(c.Request.Context(), h.actor(c), strings.TrimSpace(request.MemberID), request.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"debited":        receipt.Debited,
		"tax":            receipt.Tax,
		"credited":       receipt.Credited,
		"sender_on_hand": receipt.SenderOnHand,
	})
}

func (h *httpHandler) handleBalance(c *gin.Context) {
	wallet := h.ledger.Balance(c.Param("member"))
	c.JSON(http.StatusOK, gin.H{"on_hand": wallet.OnHand, "banked": wallet.Banked, "total": wallet.Total()})
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	progress := h.ledger.Progress(c.Param("member"))
	c.JSON(http.StatusOK, gin.H{
		"level":         progress.Level,
		"experience":    progress.Experience,
		"next_level_at": ledger.ExperienceThreshold(progress.Level),
		"messages":      progress.MessageCount,
	})
}

func leaderboardLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLeaderboardLimit)))
	if err != nil || limit <= 0 {
		return defaultLeaderboardLimit
	}
	return limit
}

func (h *httpHandler) handleLevelLeaderboard(c *gin.Context) {
	entries := h.ledger.LevelLeaderboard(leaderboardLimit(c))
	rows := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, gin.H{
			"member_id":  entry.MemberID,
			"level":      entry.Progress.Level,
			"experience": entry.Progress.Experience,
			"messages":   entry.Progress.MessageCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

func (h *httpHandler) handleWealthLeaderboard(c *gin.Context) {
	entries := h.ledger.WealthLeaderboard(leaderboardLimit(c))
	rows := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, gin.H{
			"member_id": entry.MemberID,
			"on_hand":   entry.Wallet.OnHand,
			"banked":    entry.Wallet.Banked,
			"total":     entry.Wallet.Total(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

type reputationPayload struct {
	MemberID string `json:"member_id"`
}

func (h *httpHandler) handleGiveReputation(c *gin.Context) {
	var request reputationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	score, err := h.ledger.GiveReputation(c.Request.Context(), h.actor(c), strings.TrimSpace(request.MemberID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member_id": request.MemberID, "score": score})
}

func (h *httpHandler) handleReputation(c *gin.Context) {
	reputation := h.ledger.ReputationOf(c.Param("member"))
	c.JSON(http.StatusOK, gin.H{"score": reputation.Score})
}

type warnPayload struct {
	MemberID string `json:"member_id"`
	Reason   string `json:"reason"`
}

func (h *httpHandler) handleWarn(c *gin.Context) {
	var request warnPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	memberID := strings.TrimSpace(request.MemberID)

	receipt, err := h.ledger.Warn(c.Request.Context(), memberID, h.actor(c), request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.events.Publish(Event{
		Topic:     TopicModeration,
		Type:      EventMemberWarned,
		MemberID:  memberID,
		Detail:    map[string]any{"sequence": receipt.Warning.SequenceID, "total": receipt.TotalWarnings},
		Timestamp: time.Now().UTC(),
	})
	if receipt.Escalated {
		h.events.Publish(Event{
			Topic:     TopicModeration,
			Type:      EventWarningEscalation,
			MemberID:  memberID,
			Detail:    map[string]any{"removal_failed": receipt.EscalationFailed},
			Timestamp: time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sequence":          receipt.Warning.SequenceID,
		"total":             receipt.TotalWarnings,
		"member_notified":   receipt.MemberNotified,
		"escalated":         receipt.Escalated,
		"escalation_failed": receipt.EscalationFailed,
	})
}

func (h *httpHandler) handleListWarnings(c *gin.Context) {
	warnings := h.ledger.Warnings(c.Param("member"))
	rows := make([]gin.H, 0, len(warnings))
	for _, warning := range warnings {
		rows = append(rows, gin.H{
			"sequence":    warning.SequenceID,
			"reason":      warning.Reason,
			"issuer_id":   warning.IssuerID,
			"issued_at_s": warning.IssuedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"warnings": rows})
}

func (h *httpHandler) handleRemoveWarning(c *gin.Context) {
	sequence, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || sequence <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sequence"})
		return
	}
	if err := h.ledger.RemoveWarning(c.Request.Context(), c.Param("member"), sequence); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "warning_removed"})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	topics := strings.Split(c.DefaultQuery("topics", strings.Join([]string{TopicTickets, TopicGamification, TopicModeration}, ",")), ",")
	cleaned := make([]string, 0, len(topics))
	for _, topic := range topics {
		if trimmed := strings.TrimSpace(topic); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	stream, cancel := h.events.Subscribe(c.Request.Context(), cleaned)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("message", event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) publishTicketEvent(eventType string, ticket tickets.Ticket) {
	h.events.Publish(Event{
		Topic:     TopicTickets,
		Type:      eventType,
		MemberID:  ticket.RequesterID,
		Channel:   ticket.Channel.String(),
		Detail:    map[string]any{"state": string(ticket.State), "category": string(ticket.Category)},
		Timestamp: time.Now().UTC(),
	})
}

// respondError maps typed rejections onto HTTP statuses; anything else is an
// internal fault reported as a generic failure.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var ledgerRejection *ledger.Rejection
	if errors.As(err, &ledgerRejection) {
		status := http.StatusConflict
		if ledgerRejection.Validation() {
			status = http.StatusBadRequest
		}
		if ledgerRejection.Kind == ledger.RejectionUnknownWarning {
			status = http.StatusNotFound
		}
		body := gin.H{"error": string(ledgerRejection.Kind), "reason": ledgerRejection.Reason}
		if ledgerRejection.RetryAfter > 0 {
			body["retry_after_s"] = int64(ledgerRejection.RetryAfter.Seconds())
		}
		c.JSON(status, body)
		return
	}

	var ticketRejection *tickets.Rejection
	if errors.As(err, &ticketRejection) {
		status := http.StatusConflict
		switch ticketRejection.Kind {
		case tickets.RejectionInvalidCategory:
			status = http.StatusBadRequest
		case tickets.RejectionUnknownTicket:
			status = http.StatusNotFound
		case tickets.RejectionInsufficientPrivilege, tickets.RejectionConfirmActorMismatch:
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": string(ticketRejection.Kind), "reason": ticketRejection.Reason})
		return
	}

	h.logger.Error("operation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_failure", "reason": "something went wrong, the team has been notified"})
}
