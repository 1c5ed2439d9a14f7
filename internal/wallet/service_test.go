package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"AgentVault-Chain/internal/audit"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/custody"
	"AgentVault-Chain/internal/storage/mysql"

	"github.com/ethereum/go-ethereum/crypto"
)

// fakeBackend 是四个仓库的内存假实现，带可注入的故障点。
type fakeBackend struct {
	wallets   map[string]*mysql.WalletRecord
	policies  map[string]*mysql.PolicyRecord
	agents    map[string]*mysql.AgentRecord
	audit     []*mysql.AuditRecord
	policyErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		wallets:  make(map[string]*mysql.WalletRecord),
		policies: make(map[string]*mysql.PolicyRecord),
		agents:   make(map[string]*mysql.AgentRecord),
	}
}

func (f *fakeBackend) Wallets() mysql.WalletRepository  { return (*fakeWalletRepo)(f) }
func (f *fakeBackend) Policies() mysql.PolicyRepository { return (*fakePolicyRepo)(f) }
func (f *fakeBackend) Agents() mysql.AgentRepository    { return (*fakeAgentRepo)(f) }
func (f *fakeBackend) Audit() mysql.AuditRepository     { return (*fakeAuditRepo)(f) }
func (f *fakeBackend) Close() error                     { return nil }

func (f *fakeBackend) CreateWalletWithPolicy(ctx context.Context, wallet *mysql.WalletRecord, policy *mysql.PolicyRecord) error {
	if err := f.Wallets().Create(ctx, wallet); err != nil {
		return err
	}
	if err := f.Policies().Create(ctx, policy); err != nil {
		delete(f.wallets, wallet.ID)
		return err
	}
	return nil
}

type fakeWalletRepo fakeBackend

func (f *fakeWalletRepo) Create(_ context.Context, record *mysql.WalletRecord) error {
	clone := *record
	f.wallets[clone.ID] = &clone
	return nil
}

func (f *fakeWalletRepo) Get(_ context.Context, id string) (*mysql.WalletRecord, error) {
	record, ok := f.wallets[id]
	if !ok {
		return nil, mysql.ErrWalletNotFound
	}
	clone := *record
	clone.EncryptedKey = ""
	return &clone, nil
}

func (f *fakeWalletRepo) List(_ context.Context) ([]*mysql.WalletRecord, error) {
	out := make([]*mysql.WalletRecord, 0, len(f.wallets))
	for _, record := range f.wallets {
		clone := *record
		clone.EncryptedKey = ""
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeWalletRepo) KeyMaterial(_ context.Context, id string) (string, string, error) {
	record, ok := f.wallets[id]
	if !ok {
		return "", "", mysql.ErrWalletNotFound
	}
	return record.EncryptedKey, record.KeyMode, nil
}

func (f *fakeWalletRepo) Delete(_ context.Context, id string) error {
	delete(f.wallets, id)
	return nil
}

type fakePolicyRepo fakeBackend

func (f *fakePolicyRepo) Create(_ context.Context, record *mysql.PolicyRecord) error {
	if f.policyErr != nil {
		return f.policyErr
	}
	clone := *record
	f.policies[clone.WalletID] = &clone
	return nil
}

func (f *fakePolicyRepo) Get(_ context.Context, walletID string) (*mysql.PolicyRecord, error) {
	record, ok := f.policies[walletID]
	if !ok {
		return nil, mysql.ErrPolicyNotFound
	}
	clone := *record
	return &clone, nil
}

func (f *fakePolicyRepo) Update(_ context.Context, walletID string, update mysql.PolicyUpdate) (*mysql.PolicyRecord, error) {
	record, ok := f.policies[walletID]
	if !ok {
		return nil, mysql.ErrPolicyNotFound
	}
	if update.MaxTransactionAmount != nil {
		record.MaxTransactionAmount = *update.MaxTransactionAmount
	}
	if update.AutoApproveBelow != nil {
		record.AutoApproveBelow = update.AutoApproveBelow
	}
	if update.RequireSimulation != nil {
		record.RequireSimulation = *update.RequireSimulation
	}
	clone := *record
	return &clone, nil
}

type fakeAgentRepo fakeBackend

func (f *fakeAgentRepo) Create(_ context.Context, record *mysql.AgentRecord) error {
	clone := *record
	f.agents[clone.ID] = &clone
	return nil
}

func (f *fakeAgentRepo) Get(_ context.Context, id string) (*mysql.AgentRecord, error) {
	record, ok := f.agents[id]
	if !ok {
		return nil, mysql.ErrAgentNotFound
	}
	clone := *record
	return &clone, nil
}

func (f *fakeAgentRepo) List(_ context.Context) ([]*mysql.AgentRecord, error) {
	out := make([]*mysql.AgentRecord, 0, len(f.agents))
	for _, record := range f.agents {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

type fakeAuditRepo fakeBackend

func (f *fakeAuditRepo) Append(_ context.Context, record *mysql.AuditRecord) error {
	record.Seq = int64(len(f.audit) + 1)
	clone := *record
	f.audit = append(f.audit, &clone)
	return nil
}

func (f *fakeAuditRepo) List(_ context.Context, subjectID string, limit int) ([]*mysql.AuditRecord, error) {
	var out []*mysql.AuditRecord
	for _, record := range f.audit {
		if subjectID != "" && record.SubjectID != subjectID {
			continue
		}
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

// stubChain 返回固定余额。
type stubChain struct {
	balance *big.Int
	err     error
}

func (s *stubChain) Balance(context.Context, string) (*big.Int, error) {
	return s.balance, s.err
}
func (s *stubChain) SuggestFee(context.Context) (*big.Int, error) { return big.NewInt(0), nil }
func (s *stubChain) SubmitTransfer(context.Context, *ecdsa.PrivateKey, string, *big.Int) (chain.Receipt, error) {
	return chain.Receipt{}, errors.New("not implemented")
}
func (s *stubChain) Close() {}

func newTestService(t *testing.T, backend *fakeBackend, chainClient chain.Client) *Service {
	t.Helper()
	vault, err := custody.New("test-passphrase", 1000)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	ledger := audit.NewLedger(backend.Audit(), nil)
	requireSim := true
	defaults := config.PolicyDefaults{
		MaxTransactionAmount: 10,
		MaxDailySpend:        100,
		AllowedActions:       []string{"transfer", "swap", "airdrop"},
		RequireSimulation:    &requireSim,
	}
	return NewService(backend, vault, chainClient, ledger, defaults)
}

func TestCreateWalletInstallsDefaultPolicy(t *testing.T) {
	backend := newFakeBackend()
	service := newTestService(t, backend, nil)
	ctx := context.Background()

	created, policy, err := service.Create(ctx, "treasury", "encrypted")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if created.ID == "" || created.Address == "" {
		t.Fatalf("expected populated wallet: %+v", created)
	}
	if created.Mode != "encrypted" {
		t.Fatalf("unexpected mode: %s", created.Mode)
	}

	if policy.MaxTransactionAmount != 10 {
		t.Fatalf("unexpected default max amount: %v", policy.MaxTransactionAmount)
	}
	if policy.AutoApproveBelow != nil {
		t.Fatalf("expected auto-approve threshold unset by default, got %v", *policy.AutoApproveBelow)
	}
	if !policy.RequireSimulation {
		t.Fatal("expected simulation required by default")
	}

	stored, err := service.Policy(ctx, created.ID)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if stored.MaxTransactionAmount != 10 {
		t.Fatalf("unexpected stored policy: %+v", stored)
	}

	if len(backend.audit) != 1 || backend.audit[0].Kind != "wallet_created" {
		t.Fatalf("expected wallet_created audit record, got %+v", backend.audit)
	}
	if !backend.audit[0].Success {
		t.Fatal("wallet_created audit record must mark success")
	}
}

func TestCreateWalletRollsBackOnPolicyFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.policyErr = errors.New("policy insert failed")
	service := newTestService(t, backend, nil)

	if _, _, err := service.Create(context.Background(), "treasury", ""); err == nil {
		t.Fatal("expected error when policy insert fails")
	}
	if len(backend.wallets) != 0 {
		t.Fatalf("expected wallet rolled back, got %d wallets", len(backend.wallets))
	}
}

func TestCreateWalletValidatesName(t *testing.T) {
	service := newTestService(t, newFakeBackend(), nil)
	if _, _, err := service.Create(context.Background(), "   ", ""); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestSigningKeyRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	service := newTestService(t, backend, nil)
	ctx := context.Background()

	created, _, err := service.Create(ctx, "signer", "encrypted")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	key, err := service.SigningKey(ctx, created.ID)
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey).Hex() != created.Address {
		t.Fatal("signing key does not match wallet address")
	}
}

func TestGetAttachesBalance(t *testing.T) {
	backend := newFakeBackend()
	service := newTestService(t, backend, &stubChain{balance: chain.ToWei(1.5)})
	ctx := context.Background()

	created, _, err := service.Create(ctx, "funded", "")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	got, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Balance == nil || *got.Balance != 1.5 {
		t.Fatalf("expected balance 1.5, got %+v", got.Balance)
	}
}

func TestGetBalanceFailureIsNonFatal(t *testing.T) {
	backend := newFakeBackend()
	service := newTestService(t, backend, &stubChain{err: errors.New("rpc down")})
	ctx := context.Background()

	created, _, err := service.Create(ctx, "offline", "")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	got, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Balance != nil {
		t.Fatalf("expected nil balance on chain failure, got %v", *got.Balance)
	}
}

func TestUpdatePolicyAudits(t *testing.T) {
	backend := newFakeBackend()
	service := newTestService(t, backend, nil)
	ctx := context.Background()

	created, _, err := service.Create(ctx, "governed", "")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	newMax := 2.5
	updated, err := service.UpdatePolicy(ctx, created.ID, mysql.PolicyUpdate{MaxTransactionAmount: &newMax})
	if err != nil {
		t.Fatalf("update policy: %v", err)
	}
	if updated.MaxTransactionAmount != 2.5 {
		t.Fatalf("unexpected updated policy: %+v", updated)
	}

	var kinds []string
	for _, record := range backend.audit {
		kinds = append(kinds, record.Kind)
	}
	if len(kinds) != 2 || kinds[1] != "policy_updated" {
		t.Fatalf("expected policy_updated audit record, got %v", kinds)
	}
	if !backend.audit[1].Success {
		t.Fatal("policy_updated audit record must mark success")
	}

	if _, err := service.UpdatePolicy(ctx, "missing", mysql.PolicyUpdate{}); !errors.Is(err, mysql.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
}
