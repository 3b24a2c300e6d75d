package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/middleware"
	"anypay.backend/internal/interfaces/http/response"
	"anypay.backend/internal/usecases"
)

type settlementService interface {
	Prepare(ctx context.Context, req usecases.PrepareRequest) (*usecases.PreparedSettlement, error)
	Submit(ctx context.Context, req usecases.SubmitRequest) (*usecases.SubmitResult, error)
	Finalize(ctx context.Context, req usecases.FinalizeRequest) (*entities.Debt, error)
}

// SettlementHandler drives the prepare, submit and finalize steps of a settlement
type SettlementHandler struct {
	settlements settlementService
}

// NewSettlementHandler creates a new settlement handler
func NewSettlementHandler(settlements settlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

type prepareRequest struct {
	DebtID        string `json:"debtId" binding:"required,uuid"`
	SourceChainID uint64 `json:"sourceChainId" binding:"required"`
	TokenType     string `json:"tokenType" binding:"required"`
}

type submitRequest struct {
	DebtID          string `json:"debtId" binding:"required,uuid"`
	SourceChainID   uint64 `json:"sourceChainId" binding:"required"`
	TokenType       string `json:"tokenType" binding:"required"`
	TransactionHash string `json:"transactionHash" binding:"required"`
	BridgeMessageID string `json:"bridgeMessageId"`

	// Set when the debt was agreed off-platform and is recorded on first payment.
	Payer       *identityRequest `json:"payer"`
	Amount      string           `json:"amount"`
	Currency    string           `json:"currency" binding:"omitempty,max=8"`
	Description string           `json:"description" binding:"omitempty,max=280"`
}

type finalizeRequest struct {
	DebtID            string `json:"debtId" binding:"required,uuid"`
	AttemptRef        string `json:"attemptRef" binding:"required"`
	Status            string `json:"status" binding:"required,oneof=CONFIRMED FAILED"`
	BlockNumber       uint64 `json:"blockNumber"`
	BlockHash         string `json:"blockHash"`
	DestinationTxHash string `json:"destinationTxHash"`
	Reason            string `json:"reason" binding:"omitempty,max=500"`
}

// Prepare checks the caller's balance and returns an unsigned payment intent
// POST /api/v1/settlements/prepare
func (h *SettlementHandler) Prepare(c *gin.Context) {
	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	ower, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, domainerrors.Unauthorized("User not authenticated"))
		return
	}
	tokenType, ok := entities.ParseTokenType(req.TokenType)
	if !ok {
		response.Error(c, domainerrors.ErrUnsupportedToken)
		return
	}

	prepared, err := h.settlements.Prepare(c.Request.Context(), usecases.PrepareRequest{
		DebtID:      uuid.MustParse(req.DebtID),
		Ower:        ower,
		SourceChain: req.SourceChainID,
		TokenType:   tokenType,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, prepared)
}

// Submit records a broadcast payment transaction
// POST /api/v1/settlements/submit
func (h *SettlementHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	ower, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Error(c, domainerrors.Unauthorized("User not authenticated"))
		return
	}
	tokenType, ok := entities.ParseTokenType(req.TokenType)
	if !ok {
		response.Error(c, domainerrors.ErrUnsupportedToken)
		return
	}

	in := usecases.SubmitRequest{
		DebtID:          uuid.MustParse(req.DebtID),
		Ower:            ower,
		SourceChain:     req.SourceChainID,
		TokenType:       tokenType,
		TransactionHash: req.TransactionHash,
		BridgeMessageID: req.BridgeMessageID,
	}
	if req.Payer != nil {
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			response.Error(c, domainerrors.NewAppError(http.StatusBadRequest, domainerrors.CodeInvalidAmount, "Invalid amount", domainerrors.ErrInvalidAmount))
			return
		}
		in.AdHoc = &usecases.AdHocDebt{
			Payer:       req.Payer.identity(),
			Amount:      amount,
			Currency:    req.Currency,
			Description: req.Description,
		}
	}

	result, err := h.settlements.Submit(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, result)
}

// Finalize records an explicit terminal outcome for an attempt (operators only)
// POST /api/v1/settlements/finalize
func (h *SettlementHandler) Finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	debt, err := h.settlements.Finalize(c.Request.Context(), usecases.FinalizeRequest{
		DebtID:     uuid.MustParse(req.DebtID),
		AttemptRef: req.AttemptRef,
		Status:     entities.AttemptStatus(req.Status),
		Block: entities.BlockInfo{
			BlockNumber:       req.BlockNumber,
			BlockHash:         req.BlockHash,
			DestinationTxHash: req.DestinationTxHash,
			ConfirmedAt:       time.Now().UTC(),
		},
		Reason: req.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"debt": debt})
}
