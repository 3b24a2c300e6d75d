package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/response"
)

type balanceService interface {
	CheckBalance(ctx context.Context, wallet string, chainID uint64, tokenType entities.TokenType, requiredAmount string) (*entities.BalanceCheck, error)
}

// BalanceHandler answers whether a wallet can cover an amount
type BalanceHandler struct {
	verifier balanceService
}

// NewBalanceHandler creates a new balance handler
func NewBalanceHandler(verifier balanceService) *BalanceHandler {
	return &BalanceHandler{verifier: verifier}
}

type balanceQuery struct {
	Wallet  string `form:"wallet" binding:"required,eth_addr"`
	ChainID uint64 `form:"chainId" binding:"required"`
	Token   string `form:"token" binding:"required"`
	Amount  string `form:"amount" binding:"required"`
}

// CheckBalance compares a wallet's token balance against a display amount
// GET /api/v1/balances?wallet=&chainId=&token=&amount=
func (h *BalanceHandler) CheckBalance(c *gin.Context) {
	var q balanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	tokenType, ok := entities.ParseTokenType(q.Token)
	if !ok {
		response.Error(c, domainerrors.ErrUnsupportedToken)
		return
	}

	check, err := h.verifier.CheckBalance(c.Request.Context(), q.Wallet, q.ChainID, tokenType, q.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"balance": check})
}
