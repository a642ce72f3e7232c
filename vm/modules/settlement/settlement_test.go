package settlement

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
)

const testChainID = "test-chain"
const testTreasury = "treasury-addr"

func newHarness(t *testing.T) (core.State, *vm.Executor) {
	t.Helper()
	state := storage.NewStateDB(testutil.NewMemDB())
	exec := vm.NewExecutor(state, events.NewEmitter(), testTreasury)
	return state, exec
}

func fund(t *testing.T, state core.State, addr string, balance uint64) {
	t.Helper()
	if err := state.SetAccount(&core.Account{Address: addr, Balance: balance}); err != nil {
		t.Fatal(err)
	}
}

func blockAt(tSeconds int64) *core.Block {
	return &core.Block{Header: core.BlockHeader{
		ChainID:   testChainID,
		Height:    1,
		Timestamp: tSeconds * 1_000_000_000,
	}}
}

func createMarket(t *testing.T, state core.State, exec *vm.Executor, creator, oracle *wallet.Wallet, seed string, target uint64, deadline int64, now int64) {
	t.Helper()
	tx, err := creator.NewTx(testChainID, core.TxCreateMarket, 0, 0, core.CreateMarketPayload{
		MarketSeed:           seed,
		OracleID:             oracle.PubKey(),
		TrackedAsset:         "TRACKED",
		TargetCapitalization: target,
		Deadline:             deadline,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
		t.Fatalf("create market: %v", err)
	}
}

// TestCreateMarket_FeeAndRejections covers I1 (creator pays the fixed
// creation fee) plus the zero-target and past-deadline edge cases.
func TestCreateMarket_FeeAndRejections(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "m1", 1_000_000_000_000, now+3600, now)

	acc, _ := state.GetAccount(creator.PubKey())
	if acc.Balance != 20_000_000-CreationFee {
		t.Errorf("creator balance = %d, want %d", acc.Balance, 20_000_000-CreationFee)
	}
	treasury, _ := state.GetAccount(testTreasury)
	if treasury.Balance != CreationFee {
		t.Errorf("treasury balance = %d, want %d", treasury.Balance, CreationFee)
	}

	market, err := state.GetMarket(crypto.MarketKey("m1"))
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if market.Status != core.MarketOpen {
		t.Errorf("status = %s, want OPEN", market.Status)
	}

	t.Run("zero target rejected", func(t *testing.T) {
		tx, _ := creator.NewTx(testChainID, core.TxCreateMarket, 1, 0, core.CreateMarketPayload{
			MarketSeed: "m2", OracleID: oracle.PubKey(), TrackedAsset: "X",
			TargetCapitalization: 0, Deadline: now + 3600,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected error for zero target")
		}
	})

	t.Run("past deadline rejected", func(t *testing.T) {
		tx, _ := creator.NewTx(testChainID, core.TxCreateMarket, 1, 0, core.CreateMarketPayload{
			MarketSeed: "m3", OracleID: oracle.PubKey(), TrackedAsset: "X",
			TargetCapitalization: 100, Deadline: now - 10,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected error for past deadline")
		}
	})

	t.Run("duplicate seed rejected", func(t *testing.T) {
		tx, _ := creator.NewTx(testChainID, core.TxCreateMarket, 1, 0, core.CreateMarketPayload{
			MarketSeed: "m1", OracleID: oracle.PubKey(), TrackedAsset: "X",
			TargetCapitalization: 100, Deadline: now + 3600,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected error for duplicate market seed")
		}
	})

	t.Run("underfunded creator rejected", func(t *testing.T) {
		poor, _ := wallet.Generate()
		fund(t, state, poor.PubKey(), 100)
		tx, _ := poor.NewTx(testChainID, core.TxCreateMarket, 0, 0, core.CreateMarketPayload{
			MarketSeed: "m4", OracleID: oracle.PubKey(), TrackedAsset: "X",
			TargetCapitalization: 100, Deadline: now + 3600,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected error for insufficient balance")
		}
	})
}

// TestWager_SideLockAndDeadline covers I2 (side locks on first wager) and
// the deadline-elapsed rejection.
func TestWager_SideLockAndDeadline(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	alice, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)
	fund(t, state, alice.PubKey(), 10_000_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "wager-m", 1_000_000_000_000, now+3600, now)
	marketKey := crypto.MarketKey("wager-m")

	tx, _ := alice.NewTx(testChainID, core.TxWager, 0, 0, core.WagerPayload{
		MarketRef: marketKey, Amount: 2_000_000_000, Side: true,
	})
	if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
		t.Fatalf("first wager: %v", err)
	}

	t.Run("opposite side on same market rejected", func(t *testing.T) {
		tx, _ := alice.NewTx(testChainID, core.TxWager, 1, 0, core.WagerPayload{
			MarketRef: marketKey, Amount: 1_000_000_000, Side: false,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected side-mismatch error")
		}
	})

	t.Run("same side adds to stake", func(t *testing.T) {
		tx, _ := alice.NewTx(testChainID, core.TxWager, 1, 0, core.WagerPayload{
			MarketRef: marketKey, Amount: 1_000_000_000, Side: true,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
			t.Fatalf("second wager: %v", err)
		}
		wager, err := state.GetWager(crypto.WagerKey(marketKey, alice.PubKey()))
		if err != nil {
			t.Fatal(err)
		}
		if wager.Stake != 3_000_000_000 {
			t.Errorf("stake = %d, want 3000000000", wager.Stake)
		}
	})

	t.Run("wager after deadline rejected", func(t *testing.T) {
		bob, _ := wallet.Generate()
		fund(t, state, bob.PubKey(), 1_000_000_000)
		tx, _ := bob.NewTx(testChainID, core.TxWager, 0, 0, core.WagerPayload{
			MarketRef: marketKey, Amount: 1_000_000, Side: true,
		})
		if err := exec.ExecuteTx(blockAt(now+7200), tx); err == nil {
			t.Error("expected deadline-passed error")
		}
	})
}

// TestResolve_TargetAndDeadlinePaths covers I3/I4: resolution only fires
// once target is reached or the deadline passes, and only the designated
// oracle may submit it.
func TestResolve_TargetAndDeadlinePaths(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	impostor, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "resolve-m", 1_000_000_000_000, now+3600, now)
	marketKey := crypto.MarketKey("resolve-m")

	t.Run("non-oracle resolve rejected", func(t *testing.T) {
		tx, _ := impostor.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
			MarketRef: marketKey, ObservedCapitalization: 2_000_000_000_000, ObservedAt: now,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected unauthorized error")
		}
	})

	t.Run("below target before deadline rejected", func(t *testing.T) {
		tx, _ := oracle.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
			MarketRef: marketKey, ObservedCapitalization: 500_000_000_000, ObservedAt: now,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected cannot-resolve-yet error")
		}
	})

	t.Run("stale observation rejected", func(t *testing.T) {
		tx, _ := oracle.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
			MarketRef: marketKey, ObservedCapitalization: 2_000_000_000_000, ObservedAt: now + StaleTolerance + 100,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
			t.Error("expected stale-data error")
		}
	})

	t.Run("target reached resolves YES", func(t *testing.T) {
		tx, _ := oracle.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
			MarketRef: marketKey, ObservedCapitalization: 2_000_000_000_000, ObservedAt: now,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		market, _ := state.GetMarket(marketKey)
		if market.Status != core.MarketResolvedYes {
			t.Errorf("status = %s, want RESOLVED_YES", market.Status)
		}

		t.Run("resolve on terminal market rejected", func(t *testing.T) {
			tx, _ := oracle.NewTx(testChainID, core.TxResolve, 1, 0, core.ResolvePayload{
				MarketRef: marketKey, ObservedCapitalization: 3_000_000_000_000, ObservedAt: now,
			})
			if err := exec.ExecuteTx(blockAt(now), tx); err == nil {
				t.Error("expected market-already-resolved error")
			}
		})
	})
}

// TestResolve_DeadlineElapsedResolvesNo covers the deadline-elapses-without
// -target-reached path resolving NO even though an observation came in.
func TestResolve_DeadlineElapsedResolvesNo(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "deadline-m", 1_000_000_000_000, now+10, now)
	marketKey := crypto.MarketKey("deadline-m")

	tx, _ := oracle.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
		MarketRef: marketKey, ObservedCapitalization: 200_000_000_000, ObservedAt: now + 20,
	})
	if err := exec.ExecuteTx(blockAt(now+20), tx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	market, _ := state.GetMarket(marketKey)
	if market.Status != core.MarketResolvedNo {
		t.Errorf("status = %s, want RESOLVED_NO", market.Status)
	}
}

// TestClaim_ProportionalPayoutAndGuards covers I5-I7: winners split the
// total pool proportional to stake, double-claims are rejected, and a
// losing wager cannot claim.
func TestClaim_ProportionalPayoutAndGuards(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	alice, _ := wallet.Generate()
	bob, _ := wallet.Generate()
	carol, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)
	fund(t, state, alice.PubKey(), 10_000_000_000)
	fund(t, state, bob.PubKey(), 10_000_000_000)
	fund(t, state, carol.PubKey(), 10_000_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "claim-m", 1_000_000_000_000, now+3600, now)
	marketKey := crypto.MarketKey("claim-m")

	wager := func(w *wallet.Wallet, amount uint64, side bool) {
		tx, _ := w.NewTx(testChainID, core.TxWager, 0, 0, core.WagerPayload{
			MarketRef: marketKey, Amount: amount, Side: side,
		})
		if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
			t.Fatalf("wager: %v", err)
		}
	}
	wager(alice, 2_000_000_000, true)
	wager(bob, 3_000_000_000, true)
	wager(carol, 5_000_000_000, false)

	resolveTx, _ := oracle.NewTx(testChainID, core.TxResolve, 0, 0, core.ResolvePayload{
		MarketRef: marketKey, ObservedCapitalization: 1_250_000_000_000, ObservedAt: now,
	})
	if err := exec.ExecuteTx(blockAt(now), resolveTx); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	claim := func(w *wallet.Wallet, nonce uint64) error {
		tx, _ := w.NewTx(testChainID, core.TxClaim, nonce, 0, core.ClaimPayload{MarketRef: marketKey})
		return exec.ExecuteTx(blockAt(now), tx)
	}

	t.Run("loser cannot claim", func(t *testing.T) {
		if err := claim(carol, 0); err == nil {
			t.Error("expected not-winner error for losing side")
		}
	})

	t.Run("alice claims proportional share", func(t *testing.T) {
		if err := claim(alice, 0); err != nil {
			t.Fatalf("claim: %v", err)
		}
		acc, _ := state.GetAccount(alice.PubKey())
		want := uint64(10_000_000_000 - 2_000_000_000 + 4_000_000_000)
		if acc.Balance != want {
			t.Errorf("alice balance = %d, want %d", acc.Balance, want)
		}
	})

	t.Run("double claim rejected", func(t *testing.T) {
		if err := claim(alice, 1); err == nil {
			t.Error("expected already-claimed error")
		}
	})

	t.Run("bob claims proportional share", func(t *testing.T) {
		if err := claim(bob, 0); err != nil {
			t.Fatalf("claim: %v", err)
		}
		acc, _ := state.GetAccount(bob.PubKey())
		want := uint64(10_000_000_000 - 3_000_000_000 + 6_000_000_000)
		if acc.Balance != want {
			t.Errorf("bob balance = %d, want %d", acc.Balance, want)
		}
	})
}

// TestClaim_OnOpenMarketRejected verifies claim cannot run before resolution.
func TestClaim_OnOpenMarketRejected(t *testing.T) {
	state, exec := newHarness(t)
	creator, _ := wallet.Generate()
	oracle, _ := wallet.Generate()
	alice, _ := wallet.Generate()
	fund(t, state, creator.PubKey(), 20_000_000)
	fund(t, state, alice.PubKey(), 1_000_000_000)

	now := time.Now().Unix()
	createMarket(t, state, exec, creator, oracle, "open-claim-m", 1_000_000_000_000, now+3600, now)
	marketKey := crypto.MarketKey("open-claim-m")

	tx, _ := alice.NewTx(testChainID, core.TxWager, 0, 0, core.WagerPayload{
		MarketRef: marketKey, Amount: 500_000_000, Side: true,
	})
	if err := exec.ExecuteTx(blockAt(now), tx); err != nil {
		t.Fatalf("wager: %v", err)
	}

	claimTx, _ := alice.NewTx(testChainID, core.TxClaim, 1, 0, core.ClaimPayload{MarketRef: marketKey})
	if err := exec.ExecuteTx(blockAt(now), claimTx); err == nil {
		t.Error("expected market-not-resolved error")
	}
}
