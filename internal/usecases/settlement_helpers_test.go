package usecases

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"anypay.backend/internal/domain/entities"
	"anypay.backend/internal/infrastructure/models"
	"anypay.backend/internal/infrastructure/registry"
	"anypay.backend/internal/infrastructure/repositories"
	"anypay.backend/pkg/lock"
)

const (
	sepoliaChainID     = uint64(11155111)
	baseSepoliaChainID = uint64(84532)
	fujiChainID        = uint64(43113)

	testSettlementContract = "0x5e771e5e771e5e771e5e771e5e771e5e771e5e77"
	payerWallet            = "0x1111111111111111111111111111111111111111"
	bobWallet              = "0x2222222222222222222222222222222222222222"
	carolWallet            = "0x3333333333333333333333333333333333333333"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func messageID(n int) string {
	return fmt.Sprintf("0x%064x", 0xabc000+n)
}

// testClock is a settable clock shared by the components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSettlementDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestLedger(t *testing.T, clock *testClock) *SettlementLedger {
	t.Helper()
	db := newSettlementDB(t)
	l := NewSettlementLedger(
		repositories.NewDebtRepository(db),
		repositories.NewSettlementAttemptRepository(db),
		repositories.NewUnitOfWork(db),
		lock.NewKeyedMutex(),
	)
	l.now = clock.Now
	return l
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(registry.Options{
		SettlementContracts: map[uint64]string{sepoliaChainID: testSettlementContract},
	})
	require.NoError(t, err)
	return reg
}

func twoOwerDebt() CreateDebtInput {
	return CreateDebtInput{
		Payer: entities.Identity{Username: "alice", WalletAddress: payerWallet},
		Owers: []entities.DebtOwer{
			{Identity: entities.Identity{Username: "bob", WalletAddress: bobWallet}, Amount: decimal.RequireFromString("16.50")},
			{Identity: entities.Identity{Username: "carol", WalletAddress: carolWallet}, Amount: decimal.RequireFromString("3.50")},
		},
		Description: "dinner",
	}
}

func singleOwerDebt(amount string) CreateDebtInput {
	return CreateDebtInput{
		Payer: entities.Identity{Username: "alice", WalletAddress: payerWallet},
		Owers: []entities.DebtOwer{
			{Identity: entities.Identity{Username: "bob", WalletAddress: bobWallet}, Amount: decimal.RequireFromString(amount)},
		},
	}
}

func bob() entities.Identity   { return entities.Identity{Username: "bob"} }
func carol() entities.Identity { return entities.Identity{Username: "carol"} }

// fakeChainClient answers chain reads from in-memory state.
type fakeChainClient struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	receipts   map[string]*types.Receipt
	head       uint64
	balanceErr error
	callView   func(to string, data []byte) ([]byte, error)
	balanceHit int
	// block, when set, holds balance reads until it is closed.
	block chan struct{}
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		balances:   map[string]*big.Int{},
		allowances: map[string]*big.Int{},
		receipts:   map[string]*types.Receipt{},
	}
}

func (f *fakeChainClient) setBalance(token, owner string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[strings.ToLower(token+owner)] = big.NewInt(v)
}

func (f *fakeChainClient) setReceipt(hash string, r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[strings.ToLower(hash)] = r
}

func (f *fakeChainClient) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func (f *fakeChainClient) GetTokenBalance(_ context.Context, token, owner string) (*big.Int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceHit++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if v, ok := f.balances[strings.ToLower(token+owner)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChainClient) GetAllowance(_ context.Context, token, owner, spender string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.allowances[strings.ToLower(token+owner+spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChainClient) GetTransactionReceipt(_ context.Context, hash string) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[strings.ToLower(hash)]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChainClient) GetBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChainClient) CallView(_ context.Context, to string, data []byte) ([]byte, error) {
	if f.callView == nil {
		return nil, fmt.Errorf("execution reverted")
	}
	return f.callView(to, data)
}

type fakeClients map[uint64]*fakeChainClient

func (f fakeClients) ClientFor(chainID uint64) (ChainClient, error) {
	c, ok := f[chainID]
	if !ok {
		return nil, fmt.Errorf("no client for chain %d", chainID)
	}
	return c, nil
}

// scriptedStatus replays bridge states per message id; the last state repeats.
type scriptedStatus struct {
	mu     sync.Mutex
	states map[string][]entities.BridgeState
	calls  map[string]int
	err    error
}

func newScriptedStatus() *scriptedStatus {
	return &scriptedStatus{states: map[string][]entities.BridgeState{}, calls: map[string]int{}}
}

func (s *scriptedStatus) script(id string, states ...entities.BridgeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[strings.ToLower(id)] = states
}

func (s *scriptedStatus) MessageStatus(_ context.Context, id string, _, _ uint64) (*entities.BridgeMessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.ToLower(id)
	n := s.calls[id]
	s.calls[id] = n + 1
	if s.err != nil {
		return nil, s.err
	}
	states := s.states[id]
	if len(states) == 0 {
		return &entities.BridgeMessageStatus{MessageID: id, State: entities.BridgeStatePending}, nil
	}
	if n >= len(states) {
		n = len(states) - 1
	}
	st := &entities.BridgeMessageStatus{MessageID: id, State: states[n]}
	if st.State == entities.BridgeStateSuccess {
		st.DestinationTxHash = txHash(0xdead)
		st.BlockNumber = 777
	}
	if st.State == entities.BridgeStateFailure {
		st.Reason = "receiver reverted"
	}
	return st, nil
}

func (s *scriptedStatus) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToLower(id)]
}

func mustCreateDebt(t *testing.T, l *SettlementLedger, in CreateDebtInput) *entities.Debt {
	t.Helper()
	d, err := l.CreateDebt(context.Background(), in)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, d.ID)
	return d
}

func bridgeAttempt(hash, msgID string) *entities.SettlementAttempt {
	return &entities.SettlementAttempt{
		SourceChain:      sepoliaChainID,
		DestinationChain: baseSepoliaChainID,
		TokenType:        entities.TokenTypeUSDC,
		AmountBaseUnits:  "16500000",
		TransactionHash:  hash,
		BridgeMessageID:  msgID,
	}
}

func directAttempt(hash string) *entities.SettlementAttempt {
	return &entities.SettlementAttempt{
		SourceChain:      baseSepoliaChainID,
		DestinationChain: baseSepoliaChainID,
		TokenType:        entities.TokenTypeUSDC,
		AmountBaseUnits:  "3500000",
		TransactionHash:  hash,
	}
}
