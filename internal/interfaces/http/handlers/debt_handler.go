package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/middleware"
	"anypay.backend/internal/interfaces/http/response"
	"anypay.backend/internal/usecases"
	"anypay.backend/pkg/jwt"
)

type debtService interface {
	CreateDebt(ctx context.Context, input usecases.CreateDebtInput) (*entities.Debt, error)
	GetDebt(ctx context.Context, id uuid.UUID) (*entities.Debt, error)
	QueryForUser(ctx context.Context, identity entities.Identity) (*entities.UserDebts, error)
}

// DebtHandler handles debt origination and dashboard queries
type DebtHandler struct {
	debts debtService
}

// NewDebtHandler creates a new debt handler
func NewDebtHandler(debts debtService) *DebtHandler {
	return &DebtHandler{debts: debts}
}

type identityRequest struct {
	Username      string `json:"username" binding:"omitempty,max=64"`
	WalletAddress string `json:"walletAddress" binding:"omitempty,eth_addr"`
}

func (r identityRequest) identity() entities.Identity {
	return entities.Identity{Username: strings.TrimSpace(r.Username), WalletAddress: r.WalletAddress}
}

type owerRequest struct {
	identityRequest
	Amount string `json:"amount" binding:"required"`
}

type createDebtRequest struct {
	Payer       *identityRequest `json:"payer"`
	Owers       []owerRequest    `json:"owers" binding:"required,min=1,dive"`
	TotalAmount string           `json:"totalAmount"`
	Currency    string           `json:"currency" binding:"omitempty,max=8"`
	Description string           `json:"description" binding:"omitempty,max=280"`
}

// CreateDebt records a new split bill. The payer defaults to the caller.
// POST /api/v1/debts
func (h *DebtHandler) CreateDebt(c *gin.Context) {
	var req createDebtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	caller, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, domainerrors.Unauthorized("User not authenticated"))
		return
	}

	payer := caller
	if req.Payer != nil {
		payer = req.Payer.identity()
		if !payer.Matches(caller) && !isOperator(c) {
			response.Error(c, domainerrors.Forbidden("Debts can only be created by their payer"))
			return
		}
	}

	input := usecases.CreateDebtInput{
		Payer:       payer,
		Currency:    req.Currency,
		Description: req.Description,
	}
	for _, o := range req.Owers {
		amount, err := decimal.NewFromString(strings.TrimSpace(o.Amount))
		if err != nil {
			response.Error(c, domainerrors.NewAppError(http.StatusBadRequest, domainerrors.CodeInvalidAmount, "Invalid ower amount", domainerrors.ErrInvalidAmount))
			return
		}
		input.Owers = append(input.Owers, entities.DebtOwer{Identity: o.identity(), Amount: amount})
	}
	if req.TotalAmount != "" {
		total, err := decimal.NewFromString(strings.TrimSpace(req.TotalAmount))
		if err != nil {
			response.Error(c, domainerrors.NewAppError(http.StatusBadRequest, domainerrors.CodeInvalidAmount, "Invalid total amount", domainerrors.ErrInvalidAmount))
			return
		}
		input.TotalAmount = total
	}

	debt, err := h.debts.CreateDebt(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"debt": debt})
}

// GetDebt returns a debt the caller participates in
// GET /api/v1/debts/:id
func (h *DebtHandler) GetDebt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, domainerrors.BadRequest("Invalid debt ID"))
		return
	}

	debt, err := h.debts.GetDebt(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	caller, _ := middleware.CurrentIdentity(c)
	if !debt.Involves(caller) && !isOperator(c) {
		// not revealing that the debt exists
		response.Error(c, domainerrors.NotFound("Debt not found"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"debt": debt})
}

// ListMyDebts partitions the caller's debts into owed, owing and completed
// GET /api/v1/debts/mine
func (h *DebtHandler) ListMyDebts(c *gin.Context) {
	caller, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, domainerrors.Unauthorized("User not authenticated"))
		return
	}
	h.respondUserDebts(c, caller)
}

// QueryUserDebts lets operators inspect any participant's debts
// GET /api/v1/admin/debts?username=&wallet=
func (h *DebtHandler) QueryUserDebts(c *gin.Context) {
	identity := entities.Identity{
		Username:      strings.TrimSpace(c.Query("username")),
		WalletAddress: strings.TrimSpace(c.Query("wallet")),
	}
	if identity.IsZero() {
		response.Error(c, domainerrors.BadRequest("username or wallet is required"))
		return
	}
	h.respondUserDebts(c, identity)
}

func (h *DebtHandler) respondUserDebts(c *gin.Context, identity entities.Identity) {
	debts, err := h.debts.QueryForUser(c.Request.Context(), identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, debts)
}

func isOperator(c *gin.Context) bool {
	role, _ := middleware.GetUserRole(c)
	return role == jwt.RoleOperator
}
