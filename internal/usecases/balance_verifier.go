package usecases

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/metrics"
	"anypay.backend/pkg/logger"
)

// BalanceVerifier answers whether a wallet holds enough of a token. It never writes anything.
type BalanceVerifier struct {
	registry ChainRegistry
	clients  ChainClientProvider
	timeout  time.Duration
	group    singleflight.Group
}

// NewBalanceVerifier creates a new balance verifier
func NewBalanceVerifier(registry ChainRegistry, clients ChainClientProvider, timeout time.Duration) *BalanceVerifier {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &BalanceVerifier{registry: registry, clients: clients, timeout: timeout}
}

// CheckBalance converts requiredAmount from display units and compares it with the on-chain balance.
// A failed query is reported as ErrBalanceQueryFailed, never as insufficient funds.
func (v *BalanceVerifier) CheckBalance(ctx context.Context, wallet string, chainID uint64, tokenType entities.TokenType, requiredAmount string) (*entities.BalanceCheck, error) {
	token, err := v.registry.Token(chainID, tokenType)
	if err != nil {
		return nil, err
	}
	required, err := ToBaseUnits(requiredAmount, token.Decimals)
	if err != nil {
		return nil, err
	}
	return v.CheckBaseUnits(ctx, wallet, chainID, token, required)
}

// CheckBaseUnits is CheckBalance for an amount already in base units.
func (v *BalanceVerifier) CheckBaseUnits(ctx context.Context, wallet string, chainID uint64, token entities.TokenInfo, required *big.Int) (*entities.BalanceCheck, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("wallet %q: %w", wallet, domainerrors.ErrInvalidInput)
	}

	balance, err := v.queryBalance(ctx, wallet, chainID, token.Address)
	if err != nil {
		return nil, err
	}

	return &entities.BalanceCheck{
		Sufficient:      balance.Cmp(required) >= 0,
		CurrentBalance:  FormatBaseUnits(balance, token.Decimals),
		RequiredBalance: FormatBaseUnits(required, token.Decimals),
		Decimals:        token.Decimals,
		TokenAddress:    token.Address,
	}, nil
}

// queryBalance collapses concurrent identical lookups into one RPC call.
func (v *BalanceVerifier) queryBalance(ctx context.Context, wallet string, chainID uint64, tokenAddress string) (*big.Int, error) {
	chainLabel := strconv.FormatUint(chainID, 10)
	key := chainLabel + ":" + strings.ToLower(tokenAddress) + ":" + strings.ToLower(wallet)

	ch := v.group.DoChan(key, func() (interface{}, error) {
		client, err := v.clients.ClientFor(chainID)
		if err != nil {
			return nil, err
		}
		rpcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return client.GetTokenBalance(rpcCtx, tokenAddress, wallet)
	})

	select {
	case <-ctx.Done():
		metrics.BalanceQueries.WithLabelValues(chainLabel, "cancelled").Inc()
		return nil, fmt.Errorf("%w: %v", domainerrors.ErrBalanceQueryFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.BalanceQueries.WithLabelValues(chainLabel, "error").Inc()
			logger.Warn(ctx, "Balance query failed",
				zap.Uint64("chain_id", chainID),
				zap.String("wallet", wallet),
				zap.Error(res.Err),
			)
			return nil, fmt.Errorf("%w: %v", domainerrors.ErrBalanceQueryFailed, res.Err)
		}
		balance, _ := res.Val.(*big.Int)
		if balance == nil {
			metrics.BalanceQueries.WithLabelValues(chainLabel, "error").Inc()
			return nil, fmt.Errorf("%w: empty balance response", domainerrors.ErrBalanceQueryFailed)
		}
		metrics.BalanceQueries.WithLabelValues(chainLabel, "ok").Inc()
		return new(big.Int).Set(balance), nil
	}
}
