package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/types"
	"gorm.io/gorm"
)

// Event types recorded in the audit trail.
const (
	EventIntentReceived  = "INTENT_RECEIVED"
	EventIntentRejected  = "INTENT_REJECTED"
	EventIntentDeferred  = "INTENT_DEFERRED"
	EventIntentExecuted  = "INTENT_EXECUTED"
	EventOrderCreated    = "ORDER_CREATED"
	EventOrderSubmitted  = "ORDER_SUBMITTED"
	EventOrderTransition = "ORDER_TRANSITION"
	EventOrderChased     = "ORDER_CHASED"
	EventFillApplied     = "FILL_APPLIED"
	EventExternalFill    = "EXTERNAL_FILL"
	EventDriftDetected   = "DRIFT_DETECTED"
	EventDriftResolved   = "DRIFT_RESOLVED"
	EventSafeMode        = "SAFE_MODE"
	EventFlattenAll      = "FLATTEN_ALL"
	EventReconAction     = "RECON_ACTION"
)

// Writer appends audit events. Every state change is recorded here before
// it becomes visible on any read path; the trail is append-only.
type Writer struct {
	store *database.Monitor
}

func NewWriter(store *database.Monitor) *Writer {
	return &Writer{store: store}
}

// Record is a single audit entry under construction.
type Record struct {
	EventType    string
	OrderID      string
	IntentID     string
	StrategyID   string
	Symbol       string
	StatusBefore string
	StatusAfter  string
	Payload      any
}

// Append persists the record and mirrors it to the structured log. Store
// failures are absorbed by the monitor; the log line is the fallback trail.
func (w *Writer) Append(r Record) {
	var payload string
	if r.Payload != nil {
		if data, err := json.Marshal(r.Payload); err == nil {
			payload = string(data)
		}
	}

	event := types.Event{
		EventID:      uuid.New().String(),
		EventType:    r.EventType,
		OrderID:      r.OrderID,
		IntentID:     r.IntentID,
		StrategyID:   r.StrategyID,
		Symbol:       r.Symbol,
		StatusBefore: r.StatusBefore,
		StatusAfter:  r.StatusAfter,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}

	log.Info().
		Str("component", "audit").
		Str("event_type", event.EventType).
		Str("order_id", event.OrderID).
		Str("intent_id", event.IntentID).
		Str("symbol", event.Symbol).
		Str("status_before", event.StatusBefore).
		Str("status_after", event.StatusAfter).
		Msg("audit event")

	w.store.Write(func(db *gorm.DB) error {
		return db.Create(&event).Error
	})
}
