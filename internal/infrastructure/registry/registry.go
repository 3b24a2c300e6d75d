package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
)

//go:embed chains.yaml
var defaultChainsYAML []byte

var readFile = os.ReadFile

type fileConfig struct {
	SettlementChainID uint64        `yaml:"settlement_chain_id" default:"84532" validate:"required"`
	Chains            []chainConfig `yaml:"chains" validate:"required,min=1,dive"`
}

type chainConfig struct {
	ChainID            uint64        `yaml:"chain_id" validate:"required"`
	Name               string        `yaml:"name" validate:"required"`
	BridgeSelector     uint64        `yaml:"bridge_selector" validate:"required"`
	RPCURL             string        `yaml:"rpc_url" validate:"required,url"`
	ExplorerURL        string        `yaml:"explorer_url" validate:"omitempty,url"`
	Router             string        `yaml:"router" validate:"omitempty,eth_addr"`
	OffRamp            string        `yaml:"off_ramp" validate:"omitempty,eth_addr"`
	SettlementContract string        `yaml:"settlement_contract" validate:"omitempty,eth_addr"`
	Tokens             []tokenConfig `yaml:"tokens" validate:"dive"`
}

type tokenConfig struct {
	Type     string `yaml:"type" validate:"required,oneof=USDC CCIP-BnM LINK"`
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals int32  `yaml:"decimals" default:"18" validate:"min=0,max=36"`
}

// Options customize how the registry is loaded
type Options struct {
	// Path overrides the embedded chains.yaml when set.
	Path string
	// SettlementChainID overrides the file's settlement chain when non-zero.
	SettlementChainID uint64
	RPCURLs             map[uint64]string
	SettlementContracts map[uint64]string
	OffRamps            map[uint64]string
}

// Registry is the immutable table of supported chains
type Registry struct {
	chains     map[uint64]entities.ChainInfo
	bySelector map[uint64]uint64
	settlement uint64
}

// Load reads the chain table from opts.Path or the embedded default.
func Load(opts Options) (*Registry, error) {
	data := defaultChainsYAML
	if opts.Path != "" {
		b, err := readFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("read chain registry %s: %w", opts.Path, err)
		}
		data = b
	}
	return Parse(data, opts)
}

// Parse decodes, defaults and validates a chain table.
func Parse(data []byte, opts Options) (*Registry, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode chain registry: %w", err)
	}
	applyOverrides(&cfg, opts)
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply chain registry defaults: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate chain registry: %w", err)
	}

	chains := make([]entities.ChainInfo, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		info := entities.ChainInfo{
			ChainID:            c.ChainID,
			Name:               c.Name,
			BridgeSelector:     c.BridgeSelector,
			RPCURL:             c.RPCURL,
			ExplorerURL:        c.ExplorerURL,
			Router:             c.Router,
			OffRamp:            c.OffRamp,
			SettlementContract: c.SettlementContract,
			Tokens:             make(map[entities.TokenType]entities.TokenInfo, len(c.Tokens)),
		}
		for _, tk := range c.Tokens {
			tt, _ := entities.ParseTokenType(tk.Type)
			code, _ := tt.Code()
			info.Tokens[tt] = entities.TokenInfo{Type: tt, Address: tk.Address, Decimals: tk.Decimals, Code: code}
		}
		chains = append(chains, info)
	}
	return New(chains, cfg.SettlementChainID)
}

func applyOverrides(cfg *fileConfig, opts Options) {
	if opts.SettlementChainID != 0 {
		cfg.SettlementChainID = opts.SettlementChainID
	}
	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if v := strings.TrimSpace(opts.RPCURLs[c.ChainID]); v != "" {
			c.RPCURL = v
		}
		if v := strings.TrimSpace(opts.SettlementContracts[c.ChainID]); v != "" {
			c.SettlementContract = v
		}
		if v := strings.TrimSpace(opts.OffRamps[c.ChainID]); v != "" {
			c.OffRamp = v
		}
	}
}

// New builds a registry from already validated chain entries.
func New(chains []entities.ChainInfo, settlementChainID uint64) (*Registry, error) {
	r := &Registry{
		chains:     make(map[uint64]entities.ChainInfo, len(chains)),
		bySelector: make(map[uint64]uint64, len(chains)),
		settlement: settlementChainID,
	}
	for _, c := range chains {
		if _, dup := r.chains[c.ChainID]; dup {
			return nil, fmt.Errorf("chain %d listed twice", c.ChainID)
		}
		if other, dup := r.bySelector[c.BridgeSelector]; dup {
			return nil, fmt.Errorf("bridge selector %d shared by chains %d and %d", c.BridgeSelector, other, c.ChainID)
		}
		r.chains[c.ChainID] = c
		r.bySelector[c.BridgeSelector] = c.ChainID
	}
	if _, ok := r.chains[settlementChainID]; !ok {
		return nil, fmt.Errorf("settlement chain %d is not in the registry", settlementChainID)
	}
	return r, nil
}

// Lookup returns the chain entry or ErrUnsupportedChain.
func (r *Registry) Lookup(chainID uint64) (entities.ChainInfo, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return entities.ChainInfo{}, fmt.Errorf("chain %d: %w", chainID, domainerrors.ErrUnsupportedChain)
	}
	return cloneChain(c), nil
}

// Token returns the token deployment on a chain.
func (r *Registry) Token(chainID uint64, tokenType entities.TokenType) (entities.TokenInfo, error) {
	c, err := r.Lookup(chainID)
	if err != nil {
		return entities.TokenInfo{}, err
	}
	t, ok := c.Token(tokenType)
	if !ok {
		return entities.TokenInfo{}, fmt.Errorf("%s on chain %d: %w", tokenType, chainID, domainerrors.ErrUnsupportedToken)
	}
	return t, nil
}

// ChainBySelector resolves a bridge selector back to its chain.
func (r *Registry) ChainBySelector(selector uint64) (entities.ChainInfo, error) {
	id, ok := r.bySelector[selector]
	if !ok {
		return entities.ChainInfo{}, fmt.Errorf("selector %d: %w", selector, domainerrors.ErrUnsupportedChain)
	}
	return r.Lookup(id)
}

// SettlementChainID is the canonical chain every payment is routed to.
func (r *Registry) SettlementChainID() uint64 {
	return r.settlement
}

// SettlementChain returns the settlement chain entry.
func (r *Registry) SettlementChain() entities.ChainInfo {
	return cloneChain(r.chains[r.settlement])
}

// Chains lists every chain ordered by id.
func (r *Registry) Chains() []entities.ChainInfo {
	out := make([]entities.ChainInfo, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, cloneChain(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func cloneChain(c entities.ChainInfo) entities.ChainInfo {
	tokens := make(map[entities.TokenType]entities.TokenInfo, len(c.Tokens))
	for k, v := range c.Tokens {
		tokens[k] = v
	}
	c.Tokens = tokens
	return c
}
