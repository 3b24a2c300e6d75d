package main

import (
	"fmt"
	"io"
	"os"

	"anypay.backend/internal/infrastructure/bridge"
	"anypay.backend/internal/usecases"
)

type entry struct {
	name  string
	value string
}

func entries() []entry {
	return []entry{
		{"transfer(address,uint256)", usecases.ERC20TransferSelector},
		{"transferTokensPayNative(uint64,address,address,uint256)", usecases.TransferTokensSelector},
		{"estimateFee(uint64,address,address,uint256)", usecases.EstimateFeeSelector},
		{"event ExecutionStateChanged", bridge.ExecutionStateChangedTopic.Hex()},
		{"event TokensTransferred", bridge.TokensTransferredTopic.Hex()},
	}
}

func write(w io.Writer) {
	for _, e := range entries() {
		fmt.Fprintf(w, "%s: %s\n", e.name, e.value)
	}
}

func main() {
	write(os.Stdout)
}
