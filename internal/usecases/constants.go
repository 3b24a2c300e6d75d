package usecases

import (
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// computeSelectorHex computes the 4-byte EVM function selector from a canonical
// function signature and returns it as a "0x"-prefixed hex string.
func computeSelectorHex(sig string) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256([]byte(sig))[:4])
}

// Canonical signatures of the calls a payment intent encodes.
const (
	erc20TransferSig       = "transfer(address,uint256)"
	transferTokensSig      = "transferTokensPayNative(uint64,address,address,uint256)"
	estimateTransferFeeSig = "estimateFee(uint64,address,address,uint256)"
)

// EVM function selectors, computed at init from canonical signatures.
var (
	// transfer(address,uint256) -> 0xa9059cbb
	ERC20TransferSelector = computeSelectorHex(erc20TransferSig)

	// transferTokensPayNative(uint64,address,address,uint256) on the settlement contract
	TransferTokensSelector = computeSelectorHex(transferTokensSig)

	// estimateFee(uint64,address,address,uint256), optional view on the settlement contract
	EstimateFeeSelector = computeSelectorHex(estimateTransferFeeSig)
)

// Settlement policy defaults
const (
	DefaultConfirmationDepth  = 2
	DefaultRPCTimeout         = 5 * time.Second
	DefaultBridgeTimeout      = 20 * time.Second
	DefaultMaxAttemptAge      = 24 * time.Hour
	DefaultPollInitialBackoff = 30 * time.Second
	DefaultPollMaxBackoff     = 10 * time.Minute
	DefaultPollConcurrency    = 8
	DefaultSweepLimit         = 100
)

// EVM Technical Constants
const EVMWordSize = 32
