package executor

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/internal/wallet"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// countingChain 统计读写调用次数，用于验证模拟路径的隔离性。
type countingChain struct {
	balance     *big.Int
	fee         *big.Int
	balanceErr  error
	submitErr   error
	balanceHits int
	submitHits  int
}

func (c *countingChain) Balance(context.Context, string) (*big.Int, error) {
	c.balanceHits++
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	return new(big.Int).Set(c.balance), nil
}

func (c *countingChain) SuggestFee(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.fee), nil
}

func (c *countingChain) SubmitTransfer(_ context.Context, _ *ecdsa.PrivateKey, _ string, _ *big.Int) (chain.Receipt, error) {
	c.submitHits++
	if c.submitErr != nil {
		return chain.Receipt{}, c.submitErr
	}
	return chain.Receipt{TxHash: "0xdeadbeef", BlockNumber: 7, GasUsed: 21_000}, nil
}

func (c *countingChain) Close() {}

type stubKeyStore struct {
	wallet  *wallet.Wallet
	key     *ecdsa.PrivateKey
	getErr  error
	signErr error
}

func (s *stubKeyStore) Get(context.Context, string) (*wallet.Wallet, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.wallet, nil
}

func (s *stubKeyStore) SigningKey(context.Context, string) (*ecdsa.PrivateKey, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return s.key, nil
}

type recordingAuditRepo struct {
	records   []*mysql.AuditRecord
	appendErr error
}

func (r *recordingAuditRepo) Append(_ context.Context, record *mysql.AuditRecord) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	record.Seq = int64(len(r.records) + 1)
	r.records = append(r.records, record)
	return nil
}

func (r *recordingAuditRepo) List(context.Context, string, int) ([]*mysql.AuditRecord, error) {
	return r.records, nil
}

func newTestExecutor(t *testing.T, chainClient chain.Client, store KeyStore, faucet *ecdsa.PrivateKey) (*Service, *recordingAuditRepo) {
	t.Helper()
	repo := &recordingAuditRepo{}
	return NewService(store, chainClient, audit.NewLedger(repo, nil), faucet), repo
}

func testKeyStore(t *testing.T) *stubKeyStore {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &stubKeyStore{
		wallet: &wallet.Wallet{ID: "w1", Address: gethcrypto.PubkeyToAddress(key.PublicKey).Hex()},
		key:    key,
	}
}

func TestSimulateFailsClosedOnInsufficientBalance(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(0.5), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)

	result, err := service.Simulate(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid simulation for insufficient balance")
	}
	if result.Reason == "" {
		t.Fatal("expected reason for invalid simulation")
	}
	if result.CurrentBalance != 0.5 {
		t.Fatalf("unexpected balance: %v", result.CurrentBalance)
	}

	if chainStub.submitHits != 0 {
		t.Fatalf("simulation must not touch the write path, got %d submits", chainStub.submitHits)
	}
	if len(repo.records) != 1 || repo.records[0].Kind != "simulate_transfer" {
		t.Fatalf("expected one simulate audit record, got %+v", repo.records)
	}
}

func TestSimulateIsolationAcrossRepeatedCalls(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)

	for i := 0; i < 5; i++ {
		result, err := service.Simulate(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
		if err != nil {
			t.Fatalf("simulate %d: %v", i, err)
		}
		if !result.Valid {
			t.Fatalf("simulate %d: expected valid result", i)
		}
	}
	if chainStub.submitHits != 0 {
		t.Fatalf("expected zero submits after repeated simulation, got %d", chainStub.submitHits)
	}
	if len(repo.records) != 5 {
		t.Fatalf("expected one audit record per simulate call, got %d", len(repo.records))
	}
}

func TestExecuteSubmitsAndAudits(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)

	result := service.Execute(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if !result.Success || result.TxHash != "0xdeadbeef" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if chainStub.submitHits != 1 {
		t.Fatalf("expected 1 submit, got %d", chainStub.submitHits)
	}
	if len(repo.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(repo.records))
	}
	record := repo.records[0]
	if record.Kind != "execute_transfer" || !record.Success {
		t.Fatalf("unexpected audit record: %+v", record)
	}
}

func TestExecuteCorruptedKeyFoldsIntoResult(t *testing.T) {
	store := testKeyStore(t)
	store.signErr = errors.New("私钥解密失败")
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, store, nil)

	result := service.Execute(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if result.Success {
		t.Fatal("expected failure for corrupted key material")
	}
	if result.Error == "" {
		t.Fatal("expected error description in result")
	}
	if chainStub.submitHits != 0 {
		t.Fatalf("expected no submit after custody failure, got %d", chainStub.submitHits)
	}
	if len(repo.records) != 1 || repo.records[0].Success {
		t.Fatalf("expected failed audit record, got %+v", repo.records)
	}
}

func TestExecuteChainFailureFoldsIntoResult(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001), submitErr: errors.New("rpc timeout")}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)

	result := service.Execute(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if result.Success {
		t.Fatal("expected failure when broadcast fails")
	}
	if len(repo.records) != 1 || repo.records[0].Success {
		t.Fatalf("expected failed audit record, got %+v", repo.records)
	}
}

func TestTransferHonoursSimulateOnly(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, _ := newTestExecutor(t, chainStub, testKeyStore(t), nil)
	ctx := context.Background()

	sim, exec, err := service.Transfer(ctx, "w1", "0x000000000000000000000000000000000000dEaD", 1, true)
	if err != nil {
		t.Fatalf("simulate-only transfer: %v", err)
	}
	if sim == nil || exec != nil {
		t.Fatal("simulate-only transfer must not produce an execution result")
	}
	if chainStub.submitHits != 0 {
		t.Fatalf("simulate-only transfer must not submit, got %d", chainStub.submitHits)
	}

	sim, exec, err = service.Transfer(ctx, "w1", "0x000000000000000000000000000000000000dEaD", 1, false)
	if err != nil {
		t.Fatalf("execute transfer: %v", err)
	}
	if sim != nil || exec == nil || !exec.Success {
		t.Fatalf("unexpected execute transfer outcome: sim=%+v exec=%+v", sim, exec)
	}
}

func TestFundRequiresFaucet(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)

	result := service.Fund(context.Background(), "w1", 1)
	if result.Success {
		t.Fatal("expected failure without faucet key")
	}
	if len(repo.records) != 1 || repo.records[0].Kind != "airdrop" {
		t.Fatalf("expected airdrop audit record, got %+v", repo.records)
	}
}

func TestExecuteSurfacesAuditWriteFailure(t *testing.T) {
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), nil)
	repo.appendErr = errors.New("磁盘已满")

	result := service.Execute(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if !result.Success || result.TxHash == "" {
		t.Fatalf("chain submission must stand despite audit failure: %+v", result)
	}
	if result.AuditError == "" {
		t.Fatal("expected audit failure surfaced in result")
	}

	repo.appendErr = nil
	clean := service.Execute(context.Background(), "w1", "0x000000000000000000000000000000000000dEaD", 1)
	if clean.AuditError != "" {
		t.Fatalf("unexpected audit error on clean path: %+v", clean)
	}
}

func TestFundTransfersFromFaucet(t *testing.T) {
	faucet, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate faucet key: %v", err)
	}
	chainStub := &countingChain{balance: chain.ToWei(10), fee: chain.ToWei(0.001)}
	service, repo := newTestExecutor(t, chainStub, testKeyStore(t), faucet)

	result := service.Fund(context.Background(), "w1", 2)
	if !result.Success || result.TxHash == "" {
		t.Fatalf("unexpected fund result: %+v", result)
	}
	if chainStub.submitHits != 1 {
		t.Fatalf("expected 1 submit, got %d", chainStub.submitHits)
	}
	if len(repo.records) != 1 || !repo.records[0].Success {
		t.Fatalf("expected successful airdrop audit record, got %+v", repo.records)
	}
}

func TestParseFaucetKey(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + hex.EncodeToString(gethcrypto.FromECDSA(key))

	parsed, err := ParseFaucetKey(encoded)
	if err != nil {
		t.Fatalf("parse faucet key: %v", err)
	}
	if gethcrypto.PubkeyToAddress(parsed.PublicKey) != gethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("parsed key does not match original")
	}

	if parsed, err := ParseFaucetKey(""); err != nil || parsed != nil {
		t.Fatalf("expected nil key for empty input, got %v, %v", parsed, err)
	}
	if _, err := ParseFaucetKey("zz"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
