package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentVault-Chain/sdk/go/agentvault"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentvault.Token{AccessToken: "demo-token", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/v1/wallets", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agentvault.WalletCreation{
				Wallet: agentvault.Wallet{ID: "wallet-demo", Name: "treasury", Address: "0xdemo", KeyMode: "encrypted"},
				Policy: agentvault.Policy{WalletID: "wallet-demo", MaxTransactionAmount: 10, MaxDailySpend: 100, RequireSimulation: true},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/agents/agent-demo/actions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentvault.Decision{
			Approved:     true,
			Reason:       "金额 0.05 在单笔上限 0.5 之内",
			RiskLevel:    "low",
			AutoExecute:  true,
			DecisionKind: "rule-based",
			Execution:    &agentvault.Execution{Success: true, TxHash: "0xdemo-tx"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentvault.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, agentvault.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	created, err := client.CreateWallet(ctx, "treasury", "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("created wallet %s (max per-tx %.2f)\n", created.Wallet.ID, created.Policy.MaxTransactionAmount)

	decision, err := client.ExecuteAction(ctx, "agent-demo", agentvault.Action{
		Kind:        "transfer",
		Amount:      0.05,
		Destination: "0x000000000000000000000000000000000000dEaD",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("decision approved=%v auto=%v tx=%s\n", decision.Approved, decision.AutoExecute, decision.Execution.TxHash)
}
