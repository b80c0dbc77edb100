package api

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/fundvault/internal/admission"
	"github.com/terminal-bench/fundvault/internal/control"
	"github.com/terminal-bench/fundvault/internal/fees"
	"github.com/terminal-bench/fundvault/internal/holdings"
	"github.com/terminal-bench/fundvault/internal/journal"
	"github.com/terminal-bench/fundvault/internal/kyc"
	"github.com/terminal-bench/fundvault/internal/oracle"
	"github.com/terminal-bench/fundvault/internal/vault"
	"github.com/terminal-bench/fundvault/pkg/messaging"
)

// Server exposes the fund over HTTP and streams vault events over
// WebSocket.
type Server struct {
	router    *gin.Engine
	tokens    *TokenService
	vault     *vault.Vault
	oracle    *oracle.Oracle
	admission *admission.Controller
	schedule  *fees.Schedule
	partners  *fees.Partnership
	kyc       *kyc.Registry
	ctrl      *control.Controller
	holdings  *holdings.Manager
	journal   *journal.Journal
	mc        *messaging.Client
	log       *logrus.Logger

	wsClients map[uuid.UUID]*wsClient
	wsMu      sync.RWMutex
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Deps bundles the collaborators the server needs.
type Deps struct {
	Tokens    *TokenService
	Vault     *vault.Vault
	Oracle    *oracle.Oracle
	Admission *admission.Controller
	Schedule  *fees.Schedule
	Partners  *fees.Partnership
	Kyc       *kyc.Registry
	Control   *control.Controller
	Holdings  *holdings.Manager
	Journal   *journal.Journal
	Messaging *messaging.Client
	Logger    *logrus.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		router:    gin.New(),
		tokens:    d.Tokens,
		vault:     d.Vault,
		oracle:    d.Oracle,
		admission: d.Admission,
		schedule:  d.Schedule,
		partners:  d.Partners,
		kyc:       d.Kyc,
		ctrl:      d.Control,
		holdings:  d.Holdings,
		journal:   d.Journal,
		mc:        d.Messaging,
		log:       d.Logger,
		wsClients: make(map[uuid.UUID]*wsClient),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Public fund data
		v1.GET("/fund", s.getFund)
		v1.GET("/price", s.getPrice)
		v1.GET("/nav", s.getNav)
		v1.GET("/epoch", s.getEpoch)

		// Account operations
		v1.POST("/deposits", s.authMiddleware(), s.deposit)
		v1.POST("/redemptions", s.authMiddleware(), s.redeem)
		v1.POST("/transfers", s.authMiddleware(), s.transfer)
		v1.POST("/previews/deposit", s.authMiddleware(), s.previewDeposit)
		v1.POST("/previews/redemption", s.authMiddleware(), s.previewRedeem)
		v1.GET("/holdings", s.authMiddleware(), s.getHoldings)
		v1.GET("/history", s.authMiddleware(), s.getHistory)
		v1.GET("/queue", s.getQueue)
		v1.GET("/fees", s.getFees)

		// Operations endpoints. Role checks live in the domain layer,
		// keyed on the authenticated account.
		admin := v1.Group("/admin", s.authMiddleware())
		{
			admin.POST("/queue/process", s.processQueue)
			admin.POST("/queue/:index/cancel", s.cancelQueued)
			admin.POST("/epoch", s.updateEpoch)
			admin.POST("/weekend", s.setWeekend)
			admin.POST("/price", s.updatePrice)
			admin.POST("/nav", s.updateNav)
			admin.POST("/treasury/onramp", s.onRamp)
			admin.POST("/treasury/offramp", s.offRamp)
			admin.POST("/fees/claim", s.claimFee)
			admin.POST("/pause", s.pause)
			admin.POST("/unpause", s.unpause)
			admin.POST("/kyc/grant", s.kycGrant)
			admin.POST("/kyc/ban", s.kycBan)
			admin.POST("/kyc/unban", s.kycUnban)
			admin.POST("/tokens", s.issueToken)
			admin.POST("/partners", s.createPartnership)
			admin.POST("/partners/fees", s.setPartnerFees)
		}

		// Event stream
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Start begins serving and wires the event broadcast loop.
func (s *Server) Start(addr string) error {
	if s.mc != nil {
		err := s.mc.Subscribe(messaging.VaultEvents, func(msg *nats.Msg) {
			s.broadcast(msg.Data)
		})
		if err != nil {
			return err
		}
	}
	return s.router.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := s.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("account", claims.Account)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("request")
	}
}

// Handlers

func (s *Server) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if s.mc != nil {
		status["nats"] = s.mc.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getFund(c *gin.Context) {
	c.JSON(http.StatusOK, s.holdings.Summary())
}

func (s *Server) getPrice(c *gin.Context) {
	round := s.oracle.LatestRoundData()
	c.JSON(http.StatusOK, gin.H{
		"round":      round.RoundID,
		"answer":     round.Answer.String(),
		"started_at": round.StartedAt,
		"updated_at": round.UpdatedAt,
	})
}

func (s *Server) getNav(c *gin.Context) {
	nav, updatedAt := s.oracle.ClosingNav()
	c.JSON(http.StatusOK, gin.H{
		"nav":        nav.String(),
		"updated_at": updatedAt,
	})
}

func (s *Server) getEpoch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"epoch":             s.admission.Epoch(),
		"weekend":           s.admission.IsWeekend(),
		"weekend_aggregate": s.admission.WeekendAggregate().String(),
		"last_update":       s.admission.LastUpdate(),
	})
}

type depositRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Receiver string `json:"receiver"`
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	receiver := req.Receiver
	if receiver == "" {
		receiver = account
	}

	shares, err := s.vault.Deposit(c.Request.Context(), account, amount, receiver)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"shares": shares.String()})
}

type redeemRequest struct {
	Shares   string `json:"shares" binding:"required"`
	Receiver string `json:"receiver"`
	Instant  bool   `json:"instant"`
}

func (s *Server) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	shares, err := decimal.NewFromString(req.Shares)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shares"})
		return
	}

	receiver := req.Receiver
	if receiver == "" {
		receiver = account
	}

	if req.Instant {
		assets, err := s.vault.RedeemInstant(c.Request.Context(), account, shares, receiver)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"assets": assets.String(), "queued": false})
		return
	}

	queued, err := s.vault.Redeem(c.Request.Context(), account, shares, receiver)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": queued})
}

type transferRequest struct {
	Receiver string `json:"receiver" binding:"required"`
	Shares   string `json:"shares" binding:"required"`
}

func (s *Server) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	shares, err := decimal.NewFromString(req.Shares)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shares"})
		return
	}

	if err := s.vault.Transfer(c.Request.Context(), account, req.Receiver, shares); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transferred"})
}

func (s *Server) previewDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	shares, err := s.vault.PreviewDeposit(account, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}

	base, partner, total := s.vault.TxsFee(fees.ActionDeposit, account, amount)
	c.JSON(http.StatusOK, gin.H{
		"shares":      shares.String(),
		"base_fee":    base.String(),
		"partner_fee": partner.String(),
		"total_fee":   total.String(),
	})
}

func (s *Server) previewRedeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	shares, err := decimal.NewFromString(req.Shares)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shares"})
		return
	}

	assets, err := s.vault.PreviewRedeem(account, shares)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets.String()})
}

func (s *Server) getHoldings(c *gin.Context) {
	account := c.MustGet("account").(string)
	snap, err := s.holdings.Get(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load holdings"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history unavailable"})
		return
	}

	account := c.MustGet("account").(string)
	records, err := s.journal.EntriesForAccount(c.Request.Context(), account, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) getQueue(c *gin.Context) {
	length := s.vault.WithdrawalQueueLength()
	requests := make([]vault.WithdrawalRequest, 0, length)
	for i := 0; i < length; i++ {
		req, err := s.vault.WithdrawalQueueInfo(i)
		if err != nil {
			break
		}
		requests = append(requests, req)
	}
	c.JSON(http.StatusOK, gin.H{"length": length, "requests": requests})
}

// Admin handlers

type processQueueRequest struct {
	Count int `json:"count"`
}

func (s *Server) processQueue(c *gin.Context) {
	var req processQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	settled, err := s.vault.ProcessWithdrawalQueue(c.Request.Context(), account, req.Count)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": settled})
}

func (s *Server) cancelQueued(c *gin.Context) {
	var index int
	if err := bindIntParam(c, "index", &index); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid index"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.vault.Cancel(c.Request.Context(), account, index); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancelled"})
}

type epochRequest struct {
	Weekend bool `json:"weekend"`
}

func (s *Server) updateEpoch(c *gin.Context) {
	var req epochRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.admission.UpdateEpoch(account, req.Weekend); err != nil {
		s.writeError(c, err)
		return
	}

	s.publishEpoch(c)
	c.JSON(http.StatusOK, gin.H{"epoch": s.admission.Epoch()})
}

func (s *Server) setWeekend(c *gin.Context) {
	var req epochRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.admission.SetWeekendFlag(account, req.Weekend); err != nil {
		s.writeError(c, err)
		return
	}

	s.publishEpoch(c)
	c.JSON(http.StatusOK, gin.H{"weekend": s.admission.IsWeekend()})
}

func (s *Server) publishEpoch(c *gin.Context) {
	if s.mc == nil {
		return
	}
	err := s.mc.Publish(c.Request.Context(), messaging.EventTypeEpochUpdated, messaging.EpochEvent{
		Epoch:   s.admission.Epoch(),
		Weekend: s.admission.IsWeekend(),
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to publish epoch event")
	}
}

type priceRequest struct {
	Price  string `json:"price" binding:"required"`
	Manual bool   `json:"manual"`
}

func (s *Server) updatePrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	if err := s.oracle.UpdatePrice(account, price); err != nil {
		s.writeError(c, err)
		return
	}

	if s.mc != nil {
		err := s.mc.Publish(c.Request.Context(), messaging.EventTypePriceUpdated, messaging.PriceEvent{
			Round:     s.oracle.LatestRound(),
			Answer:    price.String(),
			UpdatedAt: s.oracle.UpdatedAt(),
		})
		if err != nil {
			s.log.WithError(err).Warn("failed to publish price event")
		}
	}
	c.JSON(http.StatusOK, gin.H{"round": s.oracle.LatestRound()})
}

func (s *Server) updateNav(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	nav, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nav"})
		return
	}

	if req.Manual {
		err = s.oracle.UpdateClosingNavManually(account, nav)
	} else {
		err = s.oracle.UpdateClosingNav(account, nav)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.mc != nil {
		err := s.mc.Publish(c.Request.Context(), messaging.EventTypeNavUpdated, messaging.PriceEvent{
			Answer:    nav.String(),
			UpdatedAt: s.oracle.UpdatedAt(),
		})
		if err != nil {
			s.log.WithError(err).Warn("failed to publish nav event")
		}
	}
	c.JSON(http.StatusOK, gin.H{"nav": nav.String()})
}

type treasuryRequest struct {
	Amount string `json:"amount" binding:"required"`
	Asset  string `json:"asset"`
	Queued bool   `json:"queued"`
}

func (s *Server) onRamp(c *gin.Context) {
	var req treasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := s.vault.OnRamp(c.Request.Context(), account, amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "on-ramped"})
}

func (s *Server) offRamp(c *gin.Context) {
	var req treasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if req.Queued {
		asset := req.Asset
		if asset == "" {
			asset = vault.ReferenceAsset
		}
		err = s.vault.OffRampQ(c.Request.Context(), account, asset, amount)
	} else {
		err = s.vault.OffRamp(c.Request.Context(), account, amount)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "off-ramped"})
}

func (s *Server) claimFee(c *gin.Context) {
	var req treasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := s.vault.ClaimServiceFee(c.Request.Context(), account, amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "claimed"})
}

type pauseRequest struct {
	Scope string `json:"scope" binding:"required"` // "deposit", "withdraw", "all"
}

func (s *Server) pause(c *gin.Context) {
	s.setPause(c, true)
}

func (s *Server) unpause(c *gin.Context) {
	s.setPause(c, false)
}

func (s *Server) setPause(c *gin.Context, pause bool) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	var err error
	switch req.Scope {
	case "deposit":
		if pause {
			err = s.ctrl.PauseDeposit(account)
		} else {
			err = s.ctrl.UnpauseDeposit(account)
		}
	case "withdraw":
		if pause {
			err = s.ctrl.PauseWithdraw(account)
		} else {
			err = s.ctrl.UnpauseWithdraw(account)
		}
	case "all":
		if pause {
			err = s.ctrl.PauseAll(account)
		} else {
			if err = s.ctrl.UnpauseDeposit(account); err == nil {
				err = s.ctrl.UnpauseWithdraw(account)
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope"})
		return
	}

	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deposit_paused":  s.ctrl.DepositPaused(),
		"withdraw_paused": s.ctrl.WithdrawPaused(),
	})
}

type kycRequest struct {
	Accounts []string `json:"accounts" binding:"required"`
	Grades   []int    `json:"grades"`
}

func (s *Server) kycGrant(c *gin.Context) {
	var req kycRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.ctrl.Require(account, control.RoleOperator); err != nil {
		s.writeError(c, err)
		return
	}

	grades := make([]kyc.Grade, len(req.Grades))
	for i, g := range req.Grades {
		grades[i] = kyc.Grade(g)
	}

	if err := s.kyc.GrantBulk(req.Accounts, grades); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "granted"})
}

func (s *Server) kycBan(c *gin.Context) {
	s.setBanned(c, true)
}

func (s *Server) kycUnban(c *gin.Context) {
	s.setBanned(c, false)
}

func (s *Server) setBanned(c *gin.Context, banned bool) {
	var req kycRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.ctrl.Require(account, control.RoleOperator); err != nil {
		s.writeError(c, err)
		return
	}

	var err error
	if banned {
		err = s.kyc.BanBulk(req.Accounts)
	} else {
		err = s.kyc.UnbanBulk(req.Accounts)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

type tokenRequest struct {
	Account string `json:"account" binding:"required"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.ctrl.Require(account, control.RoleAdmin); err != nil {
		s.writeError(c, err)
		return
	}

	token, err := s.tokens.Issue(req.Account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) getFees(c *gin.Context) {
	minDep, maxDep := s.schedule.MinMaxDeposit()
	minWd, maxWd := s.schedule.MinMaxWithdraw()
	singleBps, aggBps := s.schedule.MaxHolidayDepositPct()
	c.JSON(http.StatusOK, gin.H{
		"workday_deposit_bps":   s.schedule.TxFeeBps(fees.ActionDeposit, false),
		"workday_withdraw_bps":  s.schedule.TxFeeBps(fees.ActionRedeem, false),
		"holiday_deposit_bps":   s.schedule.TxFeeBps(fees.ActionDeposit, true),
		"holiday_withdraw_bps":  s.schedule.TxFeeBps(fees.ActionRedeem, true),
		"min_deposit":           minDep.String(),
		"max_deposit":           maxDep.String(),
		"min_withdraw":          minWd.String(),
		"max_withdraw":          maxWd.String(),
		"first_deposit_min":     s.schedule.FirstDepositMin().String(),
		"min_tx_fee":            s.schedule.MinTxFee().String(),
		"single_cap_bps":        singleBps,
		"aggregate_cap_bps":     aggBps,
		"management_fee_bps":    s.schedule.ManagementFeeRateBps(),
	})
}

type partnershipRequest struct {
	Parent     string   `json:"parent" binding:"required"`
	Children   []string `json:"children"`
	DepositBps int64    `json:"deposit_bps"`
	RedeemBps  int64    `json:"redeem_bps"`
}

func (s *Server) createPartnership(c *gin.Context) {
	var req partnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.partners.Create(account, req.Children, req.Parent); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "created"})
}

func (s *Server) setPartnerFees(c *gin.Context) {
	var req partnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	if err := s.partners.SetFees(account, req.Parent, req.DepositBps, req.RedeemBps); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	s.wsMu.Lock()
	s.wsClients[client.id] = client
	s.wsMu.Unlock()

	go s.wsReadPump(client)
	go s.wsWritePump(client)
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, client.id)
		s.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (s *Server) broadcast(message []byte) {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	for _, client := range s.wsClients {
		select {
		case client.send <- message:
		default:
			// Slow consumer, drop the frame
		}
	}
}

// writeError maps domain sentinels onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, control.ErrNoPermission),
		errors.Is(err, vault.ErrKycRequired),
		errors.Is(err, vault.ErrNotEligibleForCancellation):
		status = http.StatusForbidden
	case errors.Is(err, control.ErrDepositsPaused),
		errors.Is(err, control.ErrWithdrawalsPaused):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrPriceStale):
		status = http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrExceedsAccruedFee):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAsset),
		errors.Is(err, vault.ErrEmptyQueue),
		errors.Is(err, vault.ErrInvalidLength),
		errors.Is(err, vault.ErrInvalidIndex),
		errors.Is(err, admission.ErrBelowMinimum),
		errors.Is(err, admission.ErrAboveMaximum),
		errors.Is(err, admission.ErrDepositTooLarge),
		errors.Is(err, admission.ErrWeekendLimitHit),
		errors.Is(err, admission.ErrUpdateTooEarly),
		errors.Is(err, oracle.ErrDeviationExceeded),
		errors.Is(err, oracle.ErrNavDeviationExceeded),
		errors.Is(err, oracle.ErrNegativePrice),
		errors.Is(err, kyc.ErrInvalidInput),
		errors.Is(err, kyc.ErrZeroAddress),
		errors.Is(err, kyc.ErrInvalidGrade),
		errors.Is(err, fees.ErrInvalidParameter),
		errors.Is(err, fees.ErrChildZeroAddress),
		errors.Is(err, fees.ErrParentZeroAddress):
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func bindIntParam(c *gin.Context, name string, out *int) error {
	parsed, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return err
	}
	*out = parsed
	return nil
}
