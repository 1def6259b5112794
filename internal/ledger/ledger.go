package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/types"
)

// UnknownStrategy is the owner assigned to position quantity that no
// strategy can account for. Its presence freezes the symbol until an
// operator resolves it.
const UnknownStrategy = "_UNKNOWN_"

type positionState struct {
	pos     types.Position
	allocs  map[string]*types.Allocation
	working int
}

func (ps *positionState) allocSum() float64 {
	var sum float64
	for _, a := range ps.allocs {
		sum += a.Quantity
	}
	return sum
}

// Service owns position and allocation state. Memory is authoritative and
// every mutation is written through to the store best-effort, so a store
// outage degrades durability without stopping trading.
type Service struct {
	store  *database.Monitor
	audit  *audit.Writer
	cfg    *config.Config
	logger zerolog.Logger

	mu          sync.RWMutex
	positions   map[string]*positionState
	seenExecs   map[string]bool
	paused      map[string]bool
	account     types.AccountState
	startEquity float64
	tradeDate   string

	guardMu sync.Mutex
	guards  map[string]*sync.Mutex
}

func NewService(store *database.Monitor, auditW *audit.Writer, cfg *config.Config) *Service {
	return &Service{
		store:     store,
		audit:     auditW,
		cfg:       cfg,
		logger:    log.With().Str("component", "ledger").Logger(),
		positions: make(map[string]*positionState),
		seenExecs: make(map[string]bool),
		paused:    make(map[string]bool),
		guards:    make(map[string]*sync.Mutex),
	}
}

// LoadState rebuilds the in-memory book from the store at startup.
func (s *Service) LoadState() error {
	var positions []types.Position
	if err := s.store.DB().Find(&positions).Error; err != nil {
		return err
	}
	var allocs []types.Allocation
	if err := s.store.DB().Find(&allocs).Error; err != nil {
		return err
	}
	var fills []types.Fill
	if err := s.store.DB().Select("exec_id").Find(&fills).Error; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range positions {
		p := positions[i]
		s.positions[p.Symbol] = &positionState{pos: p, allocs: make(map[string]*types.Allocation)}
	}
	for i := range allocs {
		a := allocs[i]
		ps := s.stateLocked(a.Symbol)
		copied := a
		ps.allocs[a.StrategyID] = &copied
	}
	for _, f := range fills {
		s.seenExecs[f.ExecID] = true
	}

	s.logger.Info().
		Int("positions", len(positions)).
		Int("allocations", len(allocs)).
		Msg("ledger state loaded")
	return nil
}

// stateLocked returns the symbol's state, creating it if needed. Caller
// holds s.mu.
func (s *Service) stateLocked(symbol string) *positionState {
	ps, ok := s.positions[symbol]
	if !ok {
		ps = &positionState{
			pos:    types.Position{Symbol: symbol, CreatedAt: time.Now()},
			allocs: make(map[string]*types.Allocation),
		}
		s.positions[symbol] = ps
	}
	return ps
}

// Guard returns the mutex serializing all intent processing for a symbol.
func (s *Service) Guard(symbol string) *sync.Mutex {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	g, ok := s.guards[symbol]
	if !ok {
		g = &sync.Mutex{}
		s.guards[symbol] = g
	}
	return g
}

func (s *Service) persistPosition(pos types.Position) {
	s.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			UpdateAll: true,
		}).Create(&pos).Error
	})
}

func (s *Service) persistAllocation(alloc types.Allocation) {
	s.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "strategy_id"}},
			UpdateAll: true,
		}).Create(&alloc).Error
	})
}

func (s *Service) deleteAllocation(symbol, strategyID string) {
	s.store.Write(func(db *gorm.DB) error {
		return db.Where("symbol = ? AND strategy_id = ?", symbol, strategyID).
			Delete(&types.Allocation{}).Error
	})
}

// IncWorking / DecWorking track the live order count per symbol, consulted
// by order timeout handling and exposed on position views.
func (s *Service) IncWorking(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(symbol).working++
}

func (s *Service) DecWorking(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.stateLocked(symbol)
	if ps.working > 0 {
		ps.working--
	}
}

// PauseStrategy stops a strategy's new entries without touching its open
// allocations.
func (s *Service) PauseStrategy(strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[strategyID] = true
}

func (s *Service) ResumeStrategy(strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, strategyID)
}

func (s *Service) IsPaused(strategyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[strategyID]
}

// SetSafeMode flips the global safe-mode flag. While set, only exits are
// accepted.
func (s *Service) SetSafeMode(on bool, reason string) {
	s.mu.Lock()
	changed := s.account.SafeMode != on
	s.account.SafeMode = on
	s.mu.Unlock()
	if changed {
		s.audit.Append(audit.Record{
			EventType: audit.EventSafeMode,
			Payload:   map[string]any{"enabled": on, "reason": reason},
		})
		s.logger.Warn().Bool("enabled", on).Str("reason", reason).Msg("safe mode changed")
	}
}

func (s *Service) SetHaltNewEntries(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.HaltNewEntries = on
}

func (s *Service) SetFlattenInProgress(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.FlattenInProgress = on
}

// SetAccount folds a broker account snapshot into the ledger, rolling the
// daily P&L baseline on date change.
func (s *Service) SetAccount(equity, buyableCash float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := now.Format("2006-01-02")
	if s.tradeDate != date {
		s.tradeDate = date
		s.startEquity = equity
	}
	s.account.Equity = equity
	s.account.BuyableCash = buyableCash
	if s.startEquity > 0 {
		s.account.DailyPnL = equity - s.startEquity
		s.account.DailyPnLPct = s.account.DailyPnL / s.startEquity
	}
}

func (s *Service) Account() types.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Service) TradeDate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradeDate
}

// PositionsCount returns the number of symbols with a nonzero real position.
func (s *Service) PositionsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ps := range s.positions {
		if ps.pos.RealQty != 0 {
			count++
		}
	}
	return count
}

// StrategyOpenPositions counts symbols where the strategy holds an
// allocation.
func (s *Service) StrategyOpenPositions(strategyID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ps := range s.positions {
		if a, ok := ps.allocs[strategyID]; ok && a.Quantity != 0 {
			count++
		}
	}
	return count
}

// AllocationQty returns the strategy's current allocation in a symbol.
func (s *Service) AllocationQty(symbol, strategyID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.positions[symbol]
	if !ok {
		return 0
	}
	if a, ok := ps.allocs[strategyID]; ok {
		return a.Quantity
	}
	return 0
}

// GrossExposure values all real positions at the given prices. Symbols with
// no quote fall back to cost basis.
func (s *Service) GrossExposure(prices map[string]float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var gross float64
	for sym, ps := range s.positions {
		px := prices[sym]
		if px == 0 {
			px = ps.pos.AvgPrice
		}
		if ps.pos.RealQty > 0 {
			gross += ps.pos.RealQty * px
		} else {
			gross += -ps.pos.RealQty * px
		}
	}
	return gross
}

// SectorExposure values positions in one sector at the given prices.
func (s *Service) SectorExposure(sector string, prices map[string]float64) float64 {
	if sector == "" {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for sym, ps := range s.positions {
		if s.cfg.Sectors[sym] != sector || ps.pos.RealQty == 0 {
			continue
		}
		px := prices[sym]
		if px == 0 {
			px = ps.pos.AvgPrice
		}
		total += ps.pos.RealQty * px
	}
	return total
}

// StrategyRiskUsed sums the stop-distance risk of a strategy's open
// allocations, the amount it would lose if every soft stop triggered.
func (s *Service) StrategyRiskUsed(strategyID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var used float64
	for _, ps := range s.positions {
		a, ok := ps.allocs[strategyID]
		if !ok || a.Quantity <= 0 || a.SoftStopPrice <= 0 {
			continue
		}
		perShare := a.CostBasis - a.SoftStopPrice
		if perShare > 0 {
			used += perShare * a.Quantity
		}
	}
	return used
}

// Position returns a copy of the symbol's position row.
func (s *Service) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return ps.pos, true
}

// Symbols lists every symbol the ledger tracks.
func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Service) viewLocked(ps *positionState) types.PositionView {
	view := types.PositionView{
		Symbol:             ps.pos.Symbol,
		RealQty:            ps.pos.RealQty,
		AvgPrice:           ps.pos.AvgPrice,
		HardStopPrice:      ps.pos.HardStopPrice,
		Frozen:             ps.pos.Frozen,
		EntryLockOwner:     ps.pos.EntryLockOwner,
		EntryLockUntil:     ps.pos.EntryLockUntil,
		VICooldownUntil:    ps.pos.VICooldownUntil,
		DriftCooldownUntil: ps.pos.DriftCooldownUntil,
		WorkingOrders:      ps.working,
		Allocations:        make(map[string]types.AllocationView, len(ps.allocs)),
	}
	for id, a := range ps.allocs {
		view.Allocations[id] = types.AllocationView{
			StrategyID:    a.StrategyID,
			Quantity:      a.Quantity,
			CostBasis:     a.CostBasis,
			SoftStopPrice: a.SoftStopPrice,
			TimeStopAt:    a.TimeStopAt,
			IntentID:      a.IntentID,
		}
	}
	return view
}

// StrategyAllocations returns one strategy's allocations keyed by symbol.
func (s *Service) StrategyAllocations(strategyID string) map[string]types.AllocationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.AllocationView)
	for symbol, ps := range s.positions {
		a, ok := ps.allocs[strategyID]
		if !ok || a.Quantity == 0 {
			continue
		}
		out[symbol] = types.AllocationView{
			StrategyID:    a.StrategyID,
			Quantity:      a.Quantity,
			CostBasis:     a.CostBasis,
			SoftStopPrice: a.SoftStopPrice,
			TimeStopAt:    a.TimeStopAt,
			IntentID:      a.IntentID,
		}
	}
	return out
}

// View returns the read model for one symbol.
func (s *Service) View(symbol string) (types.PositionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.positions[symbol]
	if !ok {
		return types.PositionView{}, false
	}
	return s.viewLocked(ps), true
}

// Views returns read models for all symbols with state worth showing.
func (s *Service) Views() []types.PositionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PositionView, 0, len(s.positions))
	for _, ps := range s.positions {
		if ps.pos.RealQty == 0 && len(ps.allocs) == 0 && ps.working == 0 {
			continue
		}
		out = append(out, s.viewLocked(ps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
