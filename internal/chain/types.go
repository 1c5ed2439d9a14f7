package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
)

// Receipt summarizes a confirmed transfer for audit and API responses.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Fee         *big.Int
}

// Client defines the common interface that any chain implementation must
// provide so the executor can interact with different networks uniformly.
type Client interface {
	// Balance returns the spendable balance of the address in wei.
	Balance(ctx context.Context, address string) (*big.Int, error)
	// SuggestFee estimates the total fee of a plain value transfer in wei.
	SuggestFee(ctx context.Context) (*big.Int, error)
	// SubmitTransfer signs and broadcasts a value transfer and waits for
	// its receipt. The private key never leaves the process.
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amountWei *big.Int) (Receipt, error)
	Close()
}

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// ToWei converts a native-unit amount into wei, truncating sub-wei dust.
func ToWei(amount float64) *big.Int {
	value := new(big.Float).Mul(big.NewFloat(amount), weiPerEther)
	wei, _ := value.Int(nil)
	return wei
}

// FromWei converts wei into the native unit for human readable output.
func FromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	value := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther)
	amount, _ := value.Float64()
	return amount
}
