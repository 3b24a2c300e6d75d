package usecases

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"anypay.backend/internal/domain/entities"
	"anypay.backend/internal/infrastructure/blockchain"
)

// ChainClient is the read-only view of a chain the settlement flow needs
type ChainClient interface {
	GetTokenBalance(ctx context.Context, tokenAddress, ownerAddress string) (*big.Int, error)
	GetAllowance(ctx context.Context, tokenAddress, ownerAddress, spenderAddress string) (*big.Int, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	CallView(ctx context.Context, to string, data []byte) ([]byte, error)
}

// ChainClientProvider returns the client of a supported chain
type ChainClientProvider interface {
	ClientFor(chainID uint64) (ChainClient, error)
}

// ChainRegistry is the lookup surface of the chain registry
type ChainRegistry interface {
	Lookup(chainID uint64) (entities.ChainInfo, error)
	Token(chainID uint64, tokenType entities.TokenType) (entities.TokenInfo, error)
	SettlementChain() entities.ChainInfo
}

type registryClients struct {
	registry ChainRegistry
	factory  *blockchain.ClientFactory
}

// NewChainClients resolves chain ids through the registry and dials them through the factory
func NewChainClients(registry ChainRegistry, factory *blockchain.ClientFactory) ChainClientProvider {
	return &registryClients{registry: registry, factory: factory}
}

func (p *registryClients) ClientFor(chainID uint64) (ChainClient, error) {
	chain, err := p.registry.Lookup(chainID)
	if err != nil {
		return nil, err
	}
	client, err := p.factory.ForChain(chain)
	if err != nil {
		return nil, err
	}
	return client, nil
}
