package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/types"
)

type Verdict string

const (
	VerdictApprove         Verdict = "APPROVE"
	VerdictApproveModified Verdict = "APPROVE_MODIFIED"
	VerdictReject          Verdict = "REJECT"
	VerdictDefer           Verdict = "DEFER"
)

// Decision is the outcome of a pre-trade check. Qty is the approved
// quantity, which may be smaller than requested.
type Decision struct {
	Verdict       Verdict
	ReasonCode    string
	Message       string
	Side          types.Side
	Qty           float64
	RetryAfterSec float64
}

// Snapshot is the point-in-time portfolio state a check evaluates against.
// The caller assembles it under the symbol guard so the numbers are
// consistent with each other.
type Snapshot struct {
	Now   time.Time
	Price float64

	Equity      float64
	BuyableCash float64
	DailyPnLPct float64

	SafeMode          bool
	HaltNewEntries    bool
	FlattenInProgress bool
	StrategyPaused    bool

	SymbolFrozen       bool
	VICooldownUntil    *time.Time
	DriftCooldownUntil *time.Time
	LockOwner          string
	LockUntil          *time.Time

	PositionsCount    int
	HasPosition       bool
	StrategyPositions int
	HasStrategyAlloc  bool
	GrossExposure     float64
	SymbolNotional    float64
	Sector            string
	SectorExposure    float64
	StrategyRiskUsed  float64
	AllocationQty     float64
}

// Engine evaluates intents against the configured limits. It holds no
// mutable state; every check works purely off the snapshot it is handed,
// and the gates run in a fixed order so rejections are deterministic.
type Engine struct {
	limits  config.RiskLimits
	budgets map[string]config.StrategyBudget
	logger  zerolog.Logger
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		limits:  cfg.Risk,
		budgets: cfg.StrategyBudgets,
		logger:  log.With().Str("component", "risk_engine").Logger(),
	}
}

func reject(code, msg string) Decision {
	return Decision{Verdict: VerdictReject, ReasonCode: code, Message: msg}
}

func deferUntil(code, msg string, now time.Time, until *time.Time) Decision {
	d := Decision{Verdict: VerdictDefer, ReasonCode: code, Message: msg}
	if until != nil && until.After(now) {
		d.RetryAfterSec = until.Sub(now).Seconds()
	}
	return d
}

// Check runs the gates for an intent. Exits only verify the strategy has
// an allocation to reduce; everything that adds exposure runs the full
// sequence of global blocks, daily loss, symbol gates, exposure caps,
// sector cap, strategy risk budget and the dust floor, in that order.
func (e *Engine) Check(intent *types.Intent, snap Snapshot) Decision {
	requested := intent.Qty()

	if intent.IntentType == types.IntentExit {
		return e.checkExit(intent, snap, requested)
	}
	if intent.IntentType == types.IntentScale && intent.TargetQty > 0 && intent.DesiredQty == 0 {
		delta := intent.TargetQty - snap.AllocationQty
		if delta < 0 {
			return e.checkExit(intent, snap, -delta)
		}
		if delta < e.limits.MinOrderQty {
			return reject(types.ReasonDustOrder,
				fmt.Sprintf("target within %.0f of current allocation", e.limits.MinOrderQty))
		}
		requested = delta
	}
	return e.checkEntry(intent, snap, requested)
}

func (e *Engine) checkExit(_ *types.Intent, snap Snapshot, requested float64) Decision {
	if snap.AllocationQty <= 0 {
		return reject(types.ReasonNoAllocation, "strategy holds no allocation in symbol")
	}
	qty := snap.AllocationQty
	if requested > 0 && requested < qty {
		qty = requested
	}
	if requested > snap.AllocationQty {
		return Decision{
			Verdict:    VerdictApproveModified,
			ReasonCode: types.ReasonNoAllocation,
			Message:    "exit clamped to allocation",
			Side:       types.SideSell,
			Qty:        qty,
		}
	}
	return Decision{Verdict: VerdictApprove, Side: types.SideSell, Qty: qty}
}

func (e *Engine) checkEntry(intent *types.Intent, snap Snapshot, requested float64) Decision {
	// Gate 1: global blocks.
	if snap.SafeMode {
		return reject(types.ReasonSafeMode, "safe mode active, exits only")
	}
	if snap.FlattenInProgress {
		return reject(types.ReasonFlattenInProgress, "portfolio flatten in progress")
	}
	if snap.HaltNewEntries {
		return reject(types.ReasonEntriesHalted, "new entries halted")
	}
	if snap.StrategyPaused {
		return reject(types.ReasonStrategyPaused, "strategy is paused")
	}

	// Gate 2: daily loss halt. Outranks every symbol-level gate so a locked
	// or cooling symbol still reports the loss breach.
	if snap.DailyPnLPct <= -e.limits.DailyLossHaltPct {
		return reject(types.ReasonDailyLoss,
			fmt.Sprintf("daily loss %.2f%% at halt threshold", snap.DailyPnLPct*100))
	}

	// Gate 3: symbol gates.
	if snap.SymbolFrozen {
		return reject(types.ReasonSymbolFrozen, "symbol frozen pending reconciliation")
	}
	if snap.VICooldownUntil != nil && snap.Now.Before(*snap.VICooldownUntil) {
		return deferUntil(types.ReasonVICooldown, "volatility interruption cooldown", snap.Now, snap.VICooldownUntil)
	}
	if snap.DriftCooldownUntil != nil && snap.Now.Before(*snap.DriftCooldownUntil) {
		return deferUntil(types.ReasonDriftCooldown, "drift cooldown", snap.Now, snap.DriftCooldownUntil)
	}
	if snap.LockOwner != "" && snap.LockOwner != intent.StrategyID {
		return deferUntil(types.ReasonSymbolLocked,
			fmt.Sprintf("entry lock held by %s", snap.LockOwner), snap.Now, snap.LockUntil)
	}

	// Gate 4: exposure caps. Each cap yields a maximum affordable quantity
	// and the most restrictive one wins.
	if snap.Price <= 0 {
		return reject(types.ReasonPriceUnavailable, "no reference price for symbol")
	}
	if !snap.HasPosition && snap.PositionsCount >= e.limits.MaxPositionsCount {
		return reject(types.ReasonMaxPositions,
			fmt.Sprintf("portfolio at %d position limit", e.limits.MaxPositionsCount))
	}
	budget, hasBudget := e.budgets[intent.StrategyID]
	if hasBudget && !snap.HasStrategyAlloc && snap.StrategyPositions >= budget.MaxPositions {
		return reject(types.ReasonStrategyPositions,
			fmt.Sprintf("strategy at %d position limit", budget.MaxPositions))
	}

	qty := requested

	grossRoom := e.limits.MaxGrossExposurePct*snap.Equity - snap.GrossExposure
	if grossRoom <= 0 {
		return reject(types.ReasonExposureCap, "gross exposure cap reached")
	}
	qty = math.Min(qty, grossRoom/snap.Price)

	positionRoom := e.limits.MaxPositionPct*snap.Equity - snap.SymbolNotional
	if positionRoom <= 0 {
		return reject(types.ReasonExposureCap, "per-position cap reached")
	}
	qty = math.Min(qty, positionRoom/snap.Price)

	if snap.BuyableCash > 0 {
		qty = math.Min(qty, snap.BuyableCash/snap.Price)
	}

	// Gate 5: sector concentration.
	if snap.Sector != "" {
		sectorRoom := e.limits.MaxSectorPct*snap.Equity - snap.SectorExposure
		if sectorRoom <= 0 {
			return reject(types.ReasonSectorCap,
				fmt.Sprintf("sector %s at concentration cap", snap.Sector))
		}
		qty = math.Min(qty, sectorRoom/snap.Price)
	}

	// Gate 6: strategy risk budget, measured in stop-distance loss.
	perShareRisk := intent.EntryPrice - intent.StopPrice
	if hasBudget && budget.MaxRiskPct > 0 && perShareRisk > 0 {
		riskRoom := budget.MaxRiskPct*snap.Equity - snap.StrategyRiskUsed
		if riskRoom <= 0 {
			return reject(types.ReasonRiskBudget, "strategy daily risk budget exhausted")
		}
		qty = math.Min(qty, riskRoom/perShareRisk)
	}

	// Gate 7: microstructure. Round down to whole units and apply the dust
	// floor after all scaling.
	qty = math.Floor(qty)
	if qty < e.limits.MinOrderQty {
		return reject(types.ReasonDustOrder,
			fmt.Sprintf("scaled quantity %.0f below minimum %.0f", qty, e.limits.MinOrderQty))
	}

	if qty < requested {
		e.logger.Info().
			Str("intent_id", intent.IntentID).
			Str("symbol", intent.Symbol).
			Float64("requested", requested).
			Float64("approved", qty).
			Msg("intent scaled down by risk caps")
		return Decision{
			Verdict:    VerdictApproveModified,
			ReasonCode: types.ReasonExposureCap,
			Message:    "quantity reduced to fit risk caps",
			Side:       types.SideBuy,
			Qty:        qty,
		}
	}
	return Decision{Verdict: VerdictApprove, Side: types.SideBuy, Qty: qty}
}
