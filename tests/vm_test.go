package tests

import (
	"testing"
	"time"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/crypto"
	"github.com/tolelom/parisettle/events"
	"github.com/tolelom/parisettle/internal/testutil"
	"github.com/tolelom/parisettle/storage"
	"github.com/tolelom/parisettle/vm"
	"github.com/tolelom/parisettle/wallet"

	// Register VM modules
	_ "github.com/tolelom/parisettle/vm/modules/economy"
	_ "github.com/tolelom/parisettle/vm/modules/settlement"
)

const testTreasury = "treasury-addr"

func newInMemState(t *testing.T) core.State {
	t.Helper()
	return storage.NewStateDB(testutil.NewMemDB())
}

// TestTokenTransfer verifies that the economy transfer handler moves tokens.
func TestTokenTransfer(t *testing.T) {
	state := newInMemState(t)
	emitter := events.NewEmitter()
	exec := vm.NewExecutor(state, emitter, testTreasury)

	sender, _ := wallet.Generate()
	receiver, _ := wallet.Generate()

	_ = state.SetAccount(&core.Account{Address: sender.PubKey(), Balance: 1000})

	tx, err := sender.Transfer(testChainID, receiver.PubKey(), 300, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	block := core.NewBlock(testChainID, 1, "0000", sender.PubKey(), []*core.Transaction{tx})
	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	senderAcc, _ := state.GetAccount(sender.PubKey())
	if senderAcc.Balance != 700 {
		t.Errorf("sender balance: got %d want 700", senderAcc.Balance)
	}
	receiverAcc, _ := state.GetAccount(receiver.PubKey())
	if receiverAcc.Balance != 300 {
		t.Errorf("receiver balance: got %d want 300", receiverAcc.Balance)
	}
}

// TestCreateMarketChargesFee verifies that creating a market derives the
// expected market key and debits the creator exactly CreationFee.
func TestCreateMarketChargesFee(t *testing.T) {
	state := newInMemState(t)
	emitter := events.NewEmitter()
	exec := vm.NewExecutor(state, emitter, testTreasury)

	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: creator.PubKey(), Balance: 20_000_000})

	deadline := time.Now().Unix() + 3600
	tx, err := creator.NewTx(testChainID, core.TxCreateMarket, 0, 0, core.CreateMarketPayload{
		MarketSeed:           "market-1",
		OracleID:             oracle.PubKey(),
		TrackedAsset:         "ASSET",
		TargetCapitalization: 1_000_000_000_000,
		Deadline:             deadline,
	})
	if err != nil {
		t.Fatal(err)
	}

	block := core.NewBlock(testChainID, 1, "0000", creator.PubKey(), nil)
	if err := exec.ExecuteTx(block, tx); err != nil {
		t.Fatalf("create market: %v", err)
	}

	creatorAcc, _ := state.GetAccount(creator.PubKey())
	if creatorAcc.Balance != 20_000_000-15_000_000 {
		t.Errorf("creator balance: got %d want %d", creatorAcc.Balance, 20_000_000-15_000_000)
	}
	treasuryAcc, _ := state.GetAccount(testTreasury)
	if treasuryAcc.Balance != 15_000_000 {
		t.Errorf("treasury balance: got %d want 15000000", treasuryAcc.Balance)
	}

	marketKey := crypto.MarketKey("market-1")
	market, err := state.GetMarket(marketKey)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if market.Status != core.MarketOpen {
		t.Errorf("status: got %s want OPEN", market.Status)
	}
}

// TestNonceReplay verifies that replaying a transaction with the same nonce fails.
func TestNonceReplay(t *testing.T) {
	state := newInMemState(t)
	exec := vm.NewExecutor(state, events.NewEmitter(), testTreasury)

	w, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: w.PubKey(), Balance: 1000})

	block := core.NewBlock(testChainID, 1, "0000", w.PubKey(), nil)

	tx1, _ := w.Transfer(testChainID, "aabb", 1, 0, 0)
	if err := exec.ExecuteTx(block, tx1); err != nil {
		t.Fatalf("first tx: %v", err)
	}
	// Replay (same nonce=0, already consumed)
	if err := exec.ExecuteTx(block, tx1); err == nil {
		t.Error("replay should fail due to nonce mismatch")
	}
}
