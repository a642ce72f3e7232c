// Package settlement implements the four parimutuel settlement
// instructions — create, wager, resolve, claim — as transaction
// handlers registered with the VM's global registry. It replaces the
// base module's order-book market listing, game-item assets, and
// game-session reward modules, none of which have a counterpart in a
// binary, oracle-resolved prediction market.
package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/parisettle/core"
	"github.com/tolelom/parisettle/crypto"
	"github.com/tolelom/parisettle/events"
	"github.com/tolelom/parisettle/fixedpoint"
	"github.com/tolelom/parisettle/vm"
)

// CreationFee is the fixed cost of creating a market, in stake-base
// units (10^-6 of the native coin). Canonical per SPEC_FULL.md's
// resolution of the spec's 15_000 vs. 15_000_000 discrepancy — this is
// the value a handler checks the transferred amount against exactly.
const CreationFee = 15_000_000

// StaleTolerance is the maximum clock skew, in seconds, an oracle's
// observed_at may lead the handler's own clock by before resolve fails
// STALE_DATA.
const StaleTolerance = 300

func init() {
	vm.Register(core.TxCreateMarket, handleCreateMarket)
	vm.Register(core.TxWager, handleWager)
	vm.Register(core.TxResolve, handleResolve)
	vm.Register(core.TxClaim, handleClaim)
}

func fail(sentinel error) error {
	return core.WrapSettlementError(sentinel)
}

// nowSeconds converts the block's nanosecond timestamp (the substrate's
// native clock resolution) to the unix-seconds resolution every
// deadline/observed_at field in this package uses.
func nowSeconds(ctx *vm.Context) int64 {
	return ctx.Block.Header.Timestamp / 1_000_000_000
}

// handleCreateMarket creates a new OPEN market, charging CreationFee
// from the creator to the deployment's treasury account. Both the fee
// transfer and market initialization commit atomically with the rest
// of the instruction via the executor's snapshot/rollback.
func handleCreateMarket(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CreateMarketPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode create_market payload: %w", err)
	}

	if p.TargetCapitalization == 0 {
		return fail(core.ErrInvalidAmount)
	}
	if p.Deadline <= nowSeconds(ctx) {
		return fail(core.ErrInvalidDeadline)
	}

	marketKey := crypto.MarketKey(p.MarketSeed)
	if _, err := ctx.State.GetMarket(marketKey); err == nil {
		return fmt.Errorf("market already exists for seed %q", p.MarketSeed)
	} else if err != core.ErrNotFound {
		return err
	}

	creator, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	if creator.Balance < CreationFee {
		return fail(core.ErrInsufficientFunds)
	}

	if ctx.TreasuryAddress == "" {
		return fmt.Errorf("treasury address not configured")
	}
	treasury, err := ctx.State.GetAccount(ctx.TreasuryAddress)
	if err != nil {
		return err
	}
	newTreasuryBalance, err := fixedpoint.CheckedAdd(treasury.Balance, CreationFee)
	if err != nil {
		return fail(core.ErrOverflow)
	}

	creator.Balance -= CreationFee
	treasury.Balance = newTreasuryBalance
	if err := ctx.State.SetAccount(creator); err != nil {
		return err
	}
	if err := ctx.State.SetAccount(treasury); err != nil {
		return err
	}

	market := &core.Market{
		Key:                  marketKey,
		CreatorID:            ctx.Tx.From,
		OracleID:             p.OracleID,
		TrackedAsset:         p.TrackedAsset,
		TargetCapitalization: p.TargetCapitalization,
		Deadline:             p.Deadline,
		Status:               core.MarketOpen,
		CreatedAt:            nowSeconds(ctx),
	}
	if err := ctx.State.SetMarket(market); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventMarketCreated,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"market_key": marketKey,
				"oracle_id":  p.OracleID,
				"deadline":   p.Deadline,
			},
		})
	}
	return nil
}

// handleWager escrows amount from the participant into the market's
// vault and credits the chosen side's pool. A participant's first
// wager on a market locks their side; later wagers must match it.
func handleWager(ctx *vm.Context, payload json.RawMessage) error {
	var p core.WagerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode wager payload: %w", err)
	}
	if p.Amount == 0 {
		return fail(core.ErrInvalidAmount)
	}

	market, err := ctx.State.GetMarket(p.MarketRef)
	if err != nil {
		return err
	}
	if market.Status != core.MarketOpen {
		return fail(core.ErrMarketResolved)
	}
	if nowSeconds(ctx) >= market.Deadline {
		return fail(core.ErrDeadlinePassed)
	}

	wagerKey := crypto.WagerKey(p.MarketRef, ctx.Tx.From)
	wager, err := ctx.State.GetWager(wagerKey)
	if err == core.ErrNotFound {
		wager = &core.Wager{
			Key:           wagerKey,
			ParticipantID: ctx.Tx.From,
			MarketKey:     p.MarketRef,
			Side:          p.Side,
		}
	} else if err != nil {
		return err
	} else if wager.Side != p.Side {
		return fail(core.ErrSideMismatch)
	}

	participant, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	if participant.Balance < p.Amount {
		return fail(core.ErrInsufficientFunds)
	}

	newStake, err := fixedpoint.CheckedAdd(wager.Stake, p.Amount)
	if err != nil {
		return fail(core.ErrOverflow)
	}
	var newYes, newNo uint64
	if p.Side {
		newYes, err = fixedpoint.CheckedAdd(market.YesPool, p.Amount)
		newNo = market.NoPool
	} else {
		newNo, err = fixedpoint.CheckedAdd(market.NoPool, p.Amount)
		newYes = market.YesPool
	}
	if err != nil {
		return fail(core.ErrOverflow)
	}

	escrowKey := crypto.EscrowKey(p.MarketRef)
	escrow, err := ctx.State.GetAccount(escrowKey)
	if err != nil {
		return err
	}
	newEscrowBalance, err := fixedpoint.CheckedAdd(escrow.Balance, p.Amount)
	if err != nil {
		return fail(core.ErrOverflow)
	}

	participant.Balance -= p.Amount
	escrow.Balance = newEscrowBalance
	wager.Stake = newStake
	market.YesPool = newYes
	market.NoPool = newNo

	if err := ctx.State.SetAccount(participant); err != nil {
		return err
	}
	if err := ctx.State.SetAccount(escrow); err != nil {
		return err
	}
	if err := ctx.State.SetWager(wager); err != nil {
		return err
	}
	if err := ctx.State.SetMarket(market); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventWagerPlaced,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"market_key":  p.MarketRef,
				"participant": ctx.Tx.From,
				"amount":      p.Amount,
				"side":        p.Side,
			},
		})
	}
	return nil
}

// handleResolve settles a market once its oracle observes capitalization
// at or above target, or its deadline has passed. It is a total
// function of (market, observation, clock): the same inputs always
// produce the same decision.
func handleResolve(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ResolvePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode resolve payload: %w", err)
	}

	market, err := ctx.State.GetMarket(p.MarketRef)
	if err != nil {
		return err
	}
	if ctx.Tx.From != market.OracleID {
		return fail(core.ErrUnauthorized)
	}
	if market.Status != core.MarketOpen {
		return fail(core.ErrMarketAlreadyResolved)
	}

	now := nowSeconds(ctx)
	if p.ObservedAt > now+StaleTolerance {
		return fail(core.ErrStaleData)
	}

	targetReached := p.ObservedCapitalization >= market.TargetCapitalization
	deadlinePassed := now >= market.Deadline
	if !targetReached && !deadlinePassed {
		return fail(core.ErrCannotResolveYet)
	}

	if targetReached {
		market.Status = core.MarketResolvedYes
		market.TargetReached = true
	} else {
		market.Status = core.MarketResolvedNo
		market.TargetReached = false
	}
	market.ResolvedAt = now

	if err := ctx.State.SetMarket(market); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventMarketResolved,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"market_key":     p.MarketRef,
				"status":         string(market.Status),
				"target_reached": market.TargetReached,
			},
		})
	}
	return nil
}

// handleClaim pays a winning participant their proportional share of
// the total pool and marks their wager claimed. The transfer commits
// before the claimed flag is set; if the transfer step fails the whole
// instruction rolls back and claimed is never set.
func handleClaim(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ClaimPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode claim payload: %w", err)
	}

	market, err := ctx.State.GetMarket(p.MarketRef)
	if err != nil {
		return err
	}
	if market.Status == core.MarketOpen {
		return fail(core.ErrMarketNotResolved)
	}

	wagerKey := crypto.WagerKey(p.MarketRef, ctx.Tx.From)
	wager, err := ctx.State.GetWager(wagerKey)
	if err == core.ErrNotFound {
		return fail(core.ErrNotWinner)
	} else if err != nil {
		return err
	}
	if wager.Claimed {
		return fail(core.ErrAlreadyClaimed)
	}

	var winningSide bool
	var winningPool uint64
	switch market.Status {
	case core.MarketResolvedYes:
		winningSide, winningPool = true, market.YesPool
	case core.MarketResolvedNo:
		winningSide, winningPool = false, market.NoPool
	default:
		return fail(core.ErrNoWinner)
	}
	if wager.Side != winningSide {
		return fail(core.ErrNotWinner)
	}
	if winningPool == 0 {
		return fail(core.ErrEmptyPool)
	}

	totalPool, err := fixedpoint.CheckedAdd(market.YesPool, market.NoPool)
	if err != nil {
		return fail(core.ErrOverflow)
	}
	wide := fixedpoint.CheckedMulWide(wager.Stake, totalPool)
	divided, err := fixedpoint.CheckedDivWide(wide, winningPool)
	if err != nil {
		return fail(core.ErrDivideByZero)
	}
	reward, err := fixedpoint.Narrow(divided)
	if err != nil {
		return fail(core.ErrOverflow)
	}

	escrowKey := crypto.EscrowKey(p.MarketRef)
	escrow, err := ctx.State.GetAccount(escrowKey)
	if err != nil {
		return err
	}
	if escrow.Balance < reward {
		return fmt.Errorf("escrow vault underfunded: have %d need %d", escrow.Balance, reward)
	}
	participant, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}

	escrow.Balance -= reward
	participant.Balance += reward
	if err := ctx.State.SetAccount(escrow); err != nil {
		return err
	}
	if err := ctx.State.SetAccount(participant); err != nil {
		return err
	}

	// Only after the transfer commits is the wager marked claimed.
	wager.Claimed = true
	if err := ctx.State.SetWager(wager); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventClaimPaid,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"market_key":  p.MarketRef,
				"participant": ctx.Tx.From,
				"reward":      reward,
			},
		})
	}
	return nil
}
