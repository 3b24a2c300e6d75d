package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/response"
)

type chainRegistry interface {
	Chains() []entities.ChainInfo
	Lookup(chainID uint64) (entities.ChainInfo, error)
	SettlementChainID() uint64
}

// ChainHandler exposes the chain registry
type ChainHandler struct {
	registry chainRegistry
}

// NewChainHandler creates a new chain handler
func NewChainHandler(registry chainRegistry) *ChainHandler {
	return &ChainHandler{registry: registry}
}

type chainResponse struct {
	ChainID            uint64                                    `json:"chainId"`
	CAIP2              string                                    `json:"caip2"`
	Name               string                                    `json:"name"`
	BridgeSelector     string                                    `json:"bridgeSelector"`
	ExplorerURL        string                                    `json:"explorerUrl,omitempty"`
	SettlementContract string                                    `json:"settlementContract,omitempty"`
	IsSettlementChain  bool                                      `json:"isSettlementChain"`
	Tokens             map[entities.TokenType]entities.TokenInfo `json:"tokens"`
}

func (h *ChainHandler) toResponse(chain entities.ChainInfo) chainResponse {
	return chainResponse{
		ChainID:            chain.ChainID,
		CAIP2:              chain.CAIP2ID(),
		Name:               chain.Name,
		BridgeSelector:     strconv.FormatUint(chain.BridgeSelector, 10),
		ExplorerURL:        chain.ExplorerURL,
		SettlementContract: chain.SettlementContract,
		IsSettlementChain:  chain.ChainID == h.registry.SettlementChainID(),
		Tokens:             chain.Tokens,
	}
}

// ListChains lists the supported chains
// GET /api/v1/chains
func (h *ChainHandler) ListChains(c *gin.Context) {
	chains := h.registry.Chains()
	out := make([]chainResponse, 0, len(chains))
	for _, chain := range chains {
		out = append(out, h.toResponse(chain))
	}

	response.Success(c, http.StatusOK, gin.H{
		"chains":            out,
		"settlementChainId": h.registry.SettlementChainID(),
	})
}

// GetChain returns one supported chain
// GET /api/v1/chains/:chainId
func (h *ChainHandler) GetChain(c *gin.Context) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil {
		response.Error(c, domainerrors.BadRequest("Invalid chain ID"))
		return
	}

	chain, err := h.registry.Lookup(chainID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"chain": h.toResponse(chain)})
}
