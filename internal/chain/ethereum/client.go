package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"AgentVault-Chain/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferGasLimit is the fixed gas cost of a plain value transfer.
const transferGasLimit = 21_000

// receiptPollInterval controls how often we poll for inclusion.
const receiptPollInterval = 500 * time.Millisecond

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	Notes          string
	ConfirmTimeout time.Duration
}

// rpcBackend mirrors the subset of ethclient methods transfers need, so
// tests can substitute an in-memory implementation.
type rpcBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	backend        rpcBackend
	confirmTimeout time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		backend:        ethclient.NewClient(rpcClient),
		confirmTimeout: cfg.ConfirmTimeout,
	}, nil
}

// NewWithBackend wires an arbitrary backend, primarily for tests.
func NewWithBackend(name string, chainID *big.Int, backend rpcBackend, confirmTimeout time.Duration) *Client {
	client := &Client{
		name:           name,
		backend:        backend,
		confirmTimeout: confirmTimeout,
		notes:          "custom backend",
	}
	if chainID != nil {
		client.chainID = new(big.Int).Set(chainID)
	}
	return client
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
}

// Balance returns the latest balance of the address in wei.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("无效的链上地址: %s", address)
	}
	balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// SuggestFee estimates the full fee of a plain transfer at the current gas price.
func (c *Client) SuggestFee(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询燃料价格失败: %w", err)
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit)), nil
}

// SubmitTransfer signs, broadcasts and confirms a plain value transfer.
func (c *Client) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amountWei *big.Int) (chain.Receipt, error) {
	if c == nil || c.backend == nil {
		return chain.Receipt{}, errors.New("未初始化的以太坊客户端")
	}
	if key == nil {
		return chain.Receipt{}, errors.New("未提供签名私钥")
	}
	if !common.IsHexAddress(to) {
		return chain.Receipt{}, fmt.Errorf("无效的收款地址: %s", to)
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return chain.Receipt{}, errors.New("转账金额必须为正数")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return chain.Receipt{}, err
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("查询交易序号失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("查询燃料价格失败: %w", err)
	}

	recipient := common.HexToAddress(to)
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    amountWei,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return chain.Receipt{}, fmt.Errorf("广播交易失败: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return chain.Receipt{}, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return chain.Receipt{}, fmt.Errorf("交易 %s 在链上执行失败", signed.Hash().Hex())
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	result := chain.Receipt{
		TxHash:  signed.Hash().Hex(),
		GasUsed: receipt.GasUsed,
		Fee:     fee,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(chainID)
	return chainID, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}
