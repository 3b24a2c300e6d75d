package entities

import (
	"strconv"
	"strings"
)

// TokenType is a settlement-eligible token
type TokenType string

const (
	TokenTypeUSDC    TokenType = "USDC"
	TokenTypeCCIPBnM TokenType = "CCIP-BnM"
	TokenTypeLINK    TokenType = "LINK"
)

var tokenTypeCodes = map[TokenType]uint8{
	TokenTypeUSDC:    0,
	TokenTypeCCIPBnM: 1,
	TokenTypeLINK:    2,
}

// Code returns the numeric token code understood by the settlement contracts.
func (t TokenType) Code() (uint8, bool) {
	code, ok := tokenTypeCodes[t]
	return code, ok
}

// ParseTokenType resolves a token symbol case-insensitively.
func ParseTokenType(s string) (TokenType, bool) {
	s = strings.TrimSpace(s)
	for t := range tokenTypeCodes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// TokenInfo describes one token deployment on a chain
type TokenInfo struct {
	Type     TokenType `json:"type"`
	Address  string    `json:"address"`
	Decimals int32     `json:"decimals"`
	Code     uint8     `json:"code"`
}

// ChainInfo is the registry entry of a supported chain
type ChainInfo struct {
	ChainID            uint64                  `json:"chainId"`
	Name               string                  `json:"name"`
	BridgeSelector     uint64                  `json:"bridgeSelector,string"`
	RPCURL             string                  `json:"-"`
	ExplorerURL        string                  `json:"explorerUrl,omitempty"`
	SettlementContract string                  `json:"settlementContract,omitempty"`
	Router             string                  `json:"router,omitempty"`
	OffRamp            string                  `json:"offRamp,omitempty"`
	Tokens             map[TokenType]TokenInfo `json:"tokens"`
}

// CAIP2ID returns the CAIP-2 formatted chain ID
func (c ChainInfo) CAIP2ID() string {
	return "eip155:" + strconv.FormatUint(c.ChainID, 10)
}

// Token returns the deployment of the given token on this chain.
func (c ChainInfo) Token(t TokenType) (TokenInfo, bool) {
	info, ok := c.Tokens[t]
	return info, ok
}

// TxURL builds a block explorer link for a transaction hash.
func (c ChainInfo) TxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + txHash
}
