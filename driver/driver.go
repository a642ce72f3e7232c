// Package driver implements the resolution driver: a long-running,
// single-threaded process that enumerates open markets, queries the
// external feed adapter, and submits signed resolve instructions.
package driver

import (
	"context"
	"log"
	"time"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/crypto"
	"github.com/tolelom/parisettle/driverconfig"
	"github.com/tolelom/parisettle/feed"
	"github.com/tolelom/parisettle/wallet"
)

// openMarketLister is the subset of indexer.Indexer the driver depends on.
type openMarketLister interface {
	OpenMarketKeys() ([]string, error)
}

// Driver holds the oracle signing key and runs the resolution cycle.
type Driver struct {
	cfg     *driverconfig.Config
	lister  openMarketLister
	mempool *core.Mempool
	state   core.State
	oracle  *wallet.Wallet
	adapter *feed.Adapter
}

// New creates a Driver. oraclePriv is the private key whose public hex must
// match a market's oracle_id for this driver to be permitted to resolve it.
func New(cfg *driverconfig.Config, lister openMarketLister, mempool *core.Mempool, state core.State, oraclePriv crypto.PrivateKey, adapter *feed.Adapter) *Driver {
	return &Driver{
		cfg:     cfg,
		lister:  lister,
		mempool: mempool,
		state:   state,
		oracle:  wallet.New(oraclePriv),
		adapter: adapter,
	}
}

// Run starts the cycle loop with the driver's configured CheckIntervalMS. It
// blocks until done is closed, finishing the market it is currently
// processing before returning — cancellation is observed only between
// markets within a cycle, never mid-submission.
func (d *Driver) Run(done <-chan struct{}) {
	interval := time.Duration(d.cfg.CheckIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.runCycle(done)
		}
	}
}

// runCycle processes every open market in sequence, never in parallel, to
// keep oracle-signing-key use serial.
func (d *Driver) runCycle(done <-chan struct{}) {
	defer d.recoverAndLog()

	keys, err := d.lister.OpenMarketKeys()
	if err != nil {
		log.Printf("[driver] list open markets: %v", err)
		return
	}
	for _, key := range keys {
		select {
		case <-done:
			return
		default:
		}
		d.resolveOne(key)
	}
}

func (d *Driver) resolveOne(marketKey string) {
	market, err := d.state.GetMarket(marketKey)
	if err != nil {
		log.Printf("[driver] market %s: get: %v", marketKey, err)
		return
	}
	if market.Status != core.MarketOpen {
		return
	}
	if market.OracleID != d.oracle.PubKey() {
		return // another oracle owns this market
	}

	obs, err := d.adapter.Fetch(context.Background(), market.TrackedAsset)
	if err != nil {
		log.Printf("[driver] market %s: feed fetch: %v", marketKey, err)
		return
	}
	if obs == nil {
		log.Printf("[driver] market %s: no observation this cycle", marketKey)
		return
	}

	now := time.Now().Unix()
	if now-obs.ObservedAt > d.cfg.StalenessLimitS {
		log.Printf("[driver] market %s: stale observation (age %ds)", marketKey, now-obs.ObservedAt)
		return
	}

	targetReached := obs.Capitalization >= market.TargetCapitalization
	deadlinePassed := now >= market.Deadline
	if !targetReached && !deadlinePassed {
		return
	}

	acc, err := d.state.GetAccount(d.oracle.PubKey())
	if err != nil {
		log.Printf("[driver] market %s: get oracle account: %v", marketKey, err)
		return
	}
	tx, err := d.oracle.NewTx(d.cfg.ProgramID, core.TxResolve, acc.Nonce, 0, core.ResolvePayload{
		MarketRef:              marketKey,
		ObservedCapitalization: obs.Capitalization,
		ObservedAt:             obs.ObservedAt,
	})
	if err != nil {
		log.Printf("[driver] market %s: build resolve tx: %v", marketKey, err)
		return
	}
	if err := d.mempool.Add(tx); err != nil {
		// A benign race with another resolver (or a stale submission) — not
		// a reason to retry within this cycle.
		log.Printf("[driver] market %s: submit resolve: %v", marketKey, err)
		return
	}
	log.Printf("[driver] market %s: resolve submitted (target_reached=%v deadline_passed=%v)", marketKey, targetReached, deadlinePassed)
}

func (d *Driver) recoverAndLog() {
	if r := recover(); r != nil {
		log.Printf("[driver] PANIC recovered in resolution cycle: %v", r)
	}
}
