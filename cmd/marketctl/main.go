// Command marketctl builds, signs, and submits settlement transactions
// against a node's JSON-RPC endpoint. It is a thin client: nonces and
// balances are read from the node, never cached locally.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/wallet"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "create":
		runCreate(args)
	case "wager":
		runWager(args)
	case "claim":
		runClaim(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: marketctl <create|wager|claim> [flags]")
}

func commonFlags(fs *flag.FlagSet) (rpcURL, keyPath, chainID *string) {
	rpcURL = fs.String("rpc", "http://127.0.0.1:8545/", "node RPC URL")
	keyPath = fs.String("key", "validator.key", "path to keystore file")
	chainID = fs.String("chain", "parisettle-dev", "chain ID the node accepts")
	return
}

func loadSigner(keyPath string) *wallet.Wallet {
	password := os.Getenv("TOL_PASSWORD")
	priv, err := wallet.LoadKey(keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	return wallet.New(priv)
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	rpcURL, keyPath, chainID := commonFlags(fs)
	seed := fs.String("seed", "", "market seed (defaults to a fresh UUID if empty)")
	oracleID := fs.String("oracle", "", "oracle public key (hex)")
	trackedAsset := fs.String("asset", "", "tracked asset identifier")
	target := fs.Uint64("target", 0, "target capitalization (10^-6 USD units)")
	deadline := fs.Int64("deadline", 0, "deadline (unix seconds)")
	fee := fs.Uint64("fee", 0, "transaction fee")
	fs.Parse(args)

	if *oracleID == "" || *trackedAsset == "" || *target == 0 || *deadline == 0 {
		log.Fatal("create requires -oracle, -asset, -target, -deadline")
	}
	marketSeed := *seed
	if marketSeed == "" {
		marketSeed = uuid.NewString()
	}

	w := loadSigner(*keyPath)
	nonce := fetchNonce(*rpcURL, w.PubKey())

	tx, err := w.NewTx(*chainID, core.TxCreateMarket, nonce, *fee, core.CreateMarketPayload{
		MarketSeed:           marketSeed,
		OracleID:             *oracleID,
		TrackedAsset:         *trackedAsset,
		TargetCapitalization: *target,
		Deadline:             *deadline,
	})
	if err != nil {
		log.Fatalf("build tx: %v", err)
	}
	submit(*rpcURL, tx)
	fmt.Printf("market_seed: %s\n", marketSeed)
}

func runWager(args []string) {
	fs := flag.NewFlagSet("wager", flag.ExitOnError)
	rpcURL, keyPath, chainID := commonFlags(fs)
	marketKey := fs.String("market", "", "market key")
	amount := fs.Uint64("amount", 0, "stake amount")
	side := fs.String("side", "yes", "yes|no")
	fee := fs.Uint64("fee", 0, "transaction fee")
	fs.Parse(args)

	if *marketKey == "" || *amount == 0 {
		log.Fatal("wager requires -market and -amount")
	}
	yes, err := parseSide(*side)
	if err != nil {
		log.Fatal(err)
	}

	w := loadSigner(*keyPath)
	nonce := fetchNonce(*rpcURL, w.PubKey())

	tx, err := w.NewTx(*chainID, core.TxWager, nonce, *fee, core.WagerPayload{
		MarketRef: *marketKey,
		Amount:    *amount,
		Side:      yes,
	})
	if err != nil {
		log.Fatalf("build tx: %v", err)
	}
	submit(*rpcURL, tx)
}

func runClaim(args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	rpcURL, keyPath, chainID := commonFlags(fs)
	marketKey := fs.String("market", "", "market key")
	fee := fs.Uint64("fee", 0, "transaction fee")
	fs.Parse(args)

	if *marketKey == "" {
		log.Fatal("claim requires -market")
	}

	w := loadSigner(*keyPath)
	nonce := fetchNonce(*rpcURL, w.PubKey())

	tx, err := w.NewTx(*chainID, core.TxClaim, nonce, *fee, core.ClaimPayload{
		MarketRef: *marketKey,
	})
	if err != nil {
		log.Fatalf("build tx: %v", err)
	}
	submit(*rpcURL, tx)
}

func parseSide(s string) (bool, error) {
	switch s {
	case "yes", "YES", "true":
		return true, nil
	case "no", "NO", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid -side %q (want yes|no)", s)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(rpcURL, method string, params any) json.RawMessage {
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	resp, err := http.Post(rpcURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Fatalf("rpc %s: decode: %v", method, err)
	}
	if out.Error != nil {
		log.Fatalf("rpc %s: [%d] %s", method, out.Error.Code, out.Error.Message)
	}
	return out.Result
}

func fetchNonce(rpcURL, address string) uint64 {
	result := call(rpcURL, "getBalance", map[string]string{"address": address})
	var acc struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &acc); err != nil {
		log.Fatalf("decode balance: %v", err)
	}
	return acc.Nonce
}

func submit(rpcURL string, tx *core.Transaction) {
	result := call(rpcURL, "sendTx", tx)
	var out struct {
		TxID string `json:"tx_id"`
	}
	json.Unmarshal(result, &out)
	fmt.Println("tx_id:", out.TxID)
}
