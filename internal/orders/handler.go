package orders

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// Broadcaster is the subset of the Session Manager the order handler
// needs to fan out dialogue and state snapshots. Kept as a narrow
// interface here so this package never imports the session registry
// directly.
type Broadcaster interface {
	BroadcastToSession(sessionID string, msg any)
}

// StateLocker is the subset of statelock.Registry the handler needs.
type StateLocker interface {
	WithStateLock(key string, fn func() error) error
}

// CompletionLatency returns the delay between an order's creation and its
// automatic completion. Labs and imaging carry a longer scripted delay
// than bedside exams.
func CompletionLatency(t types.OrderType) time.Duration {
	switch t {
	case types.OrderLabs, types.OrderImaging:
		return 8 * time.Second
	case types.OrderEKG:
		return 2 * time.Second
	default:
		return 1500 * time.Millisecond
	}
}

// resultFor builds the character dialogue and OrderResult for a newly
// completed order of type t.
func resultFor(t types.OrderType) (summary, character string) {
	switch t {
	case types.OrderEKG:
		return "Twelve lead's up on the monitor.", "tech"
	case types.OrderLabs:
		return "Labs are back from the lab.", "nurse"
	case types.OrderImaging:
		return "Imaging study is ready for review.", "tech"
	case types.OrderCardiacExam:
		return "Auscultating the heart now.", "nurse"
	case types.OrderLungExam:
		return "Auscultating the lungs now.", "nurse"
	case types.OrderGeneralExam:
		return "Exam findings noted.", "nurse"
	case types.OrderIVAccess:
		return "IV is in and running.", "nurse"
	case types.OrderVitals:
		return "Repeating vitals now.", "nurse"
	default:
		return "Done.", "nurse"
	}
}

// Scheduler abstracts the delayed-completion mechanism so tests can run
// it synchronously instead of waiting on a real timer.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// realScheduler runs fn via time.AfterFunc.
type realScheduler struct{}

func (realScheduler) After(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

// Handler implements the Order Parser & Handler's lifecycle half:
// dedupe-by-type, pending-order creation, scheduled completion, and the
// EKG-specific telemetry/history side effects.
type Handler struct {
	Parser      *Parser
	Locks       StateLocker
	Broadcaster Broadcaster
	Scheduler   Scheduler
	Now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEngine
}

// sessionEngine is the per-session hook the gateway registers so the
// handler can read/write that session's order list without importing
// internal/scenario.
type sessionEngine struct {
	orders     func() []types.Order
	ekgHistory func() []string
	hydrate    func(orders []types.Order)
	onEKGOn    func()
}

// NewHandler builds a Handler. Scheduler defaults to a real timer-based
// one; Now defaults to time.Now.
func NewHandler(parser *Parser, locks StateLocker, broadcaster Broadcaster) *Handler {
	return &Handler{
		Parser:      parser,
		Locks:       locks,
		Broadcaster: broadcaster,
		Scheduler:   realScheduler{},
		Now:         time.Now,
		sessions:    make(map[string]*sessionEngine),
	}
}

// SessionHooks are the engine-reading/writing functions the gateway
// provides for one session so the handler can manage its order list
// without depending on the concrete scenario package.
type SessionHooks struct {
	// Orders returns the session's current order list.
	Orders func() []types.Order
	// EKGHistory returns the session's current bounded EKG history.
	EKGHistory func() []string
	// Hydrate replaces the session's order list.
	Hydrate func(orders []types.Order)
	// EnableTelemetry is invoked each time an EKG order completes; the
	// gateway's implementation turns on the session's telemetry/waveform
	// display and appends the current rhythm summary to its EKG history
	// via [AppendEKGHistory].
	EnableTelemetry func()
}

// Register wires sessionID's engine hooks into the handler. Must be
// called once per session before HandleOrder is used for it.
func (h *Handler) Register(sessionID string, hooks SessionHooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = &sessionEngine{
		orders:     hooks.Orders,
		ekgHistory: hooks.EKGHistory,
		hydrate:    hooks.Hydrate,
		onEKGOn:    hooks.EnableTelemetry,
	}
}

// Unregister drops sessionID's hooks, e.g. once the session is reaped.
func (h *Handler) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}

func (h *Handler) engine(sessionID string) (*sessionEngine, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[sessionID]
	return e, ok
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleOrder acquires the session lock, dedupes against a pending
// order of the same type, otherwise creates
// one, broadcast a sim_state-shaped snapshot placeholder via the caller's
// broadcaster, and schedule completion after a type-dependent latency.
func (h *Handler) HandleOrder(sessionID string, orderType types.OrderType, orderedBy string, broadcastSimState func()) {
	eng, ok := h.engine(sessionID)
	if !ok {
		slog.Warn("orders: handle order for unregistered session", "sessionId", sessionID, "type", orderType)
		return
	}

	err := h.Locks.WithStateLock(sessionID, func() error {
		existing := eng.orders()
		for _, o := range existing {
			if o.Type == orderType && o.Status == types.OrderPending {
				h.Broadcaster.BroadcastToSession(sessionID, stillWorkingMessage(sessionID, orderType))
				return nil
			}
		}

		order := types.Order{
			ID:        uuid.NewString(),
			Type:      orderType,
			Status:    types.OrderPending,
			OrderedBy: orderedBy,
		}
		eng.hydrate(append(append([]types.Order{}, existing...), order))
		if broadcastSimState != nil {
			broadcastSimState()
		}

		h.Scheduler.After(CompletionLatency(orderType), func() {
			h.completeOrder(sessionID, order.ID, orderType, broadcastSimState)
		})
		return nil
	})
	if err != nil {
		slog.Error("orders: handle order", "sessionId", sessionID, "type", orderType, "err", err)
	}
}

func (h *Handler) completeOrder(sessionID, orderID string, orderType types.OrderType, broadcastSimState func()) {
	eng, ok := h.engine(sessionID)
	if !ok {
		return
	}

	err := h.Locks.WithStateLock(sessionID, func() error {
		existing := eng.orders()
		updated := make([]types.Order, len(existing))
		copy(updated, existing)

		idx := -1
		for i, o := range updated {
			if o.ID == orderID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}

		summary, character := resultFor(orderType)
		updated[idx].Status = types.OrderComplete
		updated[idx].CompletedAt = h.now()
		updated[idx].Result = &types.OrderResult{Summary: summary}

		eng.hydrate(updated)

		if orderType == types.OrderEKG && eng.onEKGOn != nil {
			eng.onEKGOn()
		}

		h.Broadcaster.BroadcastToSession(sessionID, validate.PatientTranscriptDelta{
			Type:      validate.OutPatientTranscript,
			SessionID: sessionID,
			Text:      summary,
			Character: character,
		})
		if broadcastSimState != nil {
			broadcastSimState()
		}
		return nil
	})
	if err != nil {
		slog.Error("orders: complete order", "sessionId", sessionID, "orderId", orderID, "err", err)
	}
}

func stillWorkingMessage(sessionID string, orderType types.OrderType) validate.PatientTranscriptDelta {
	return validate.PatientTranscriptDelta{
		Type:      validate.OutPatientTranscript,
		SessionID: sessionID,
		Text:      "We're still working on that " + string(orderType) + " order.",
		Character: "nurse",
	}
}

// AppendEKGHistory appends entry to history, bounded to the last 3
// entries, oldest dropped first.
func AppendEKGHistory(history []string, entry string) []string {
	out := append(append([]string{}, history...), entry)
	if len(out) > 3 {
		out = out[len(out)-3:]
	}
	return out
}

// MyocarditisOrderContext is the extended-state slice
// validateMyocarditisOrder needs to judge an order's safety.
type MyocarditisOrderContext struct {
	ShockStage       int
	TotalFluidsMlKg  float64
	HasEpiRunning    bool
	HasAirway        bool
}

// MyocarditisOrderValidation is validateMyocarditisOrder's result: never a
// rejection, only warnings the handler surfaces via the nurse character.
type MyocarditisOrderValidation struct {
	IsValid        bool
	Warnings       []string
	TeachingPoints []string
}

// ValidateMyocarditisOrder flags clinically risky orders in the
// myocarditis variant without ever rejecting them: fluid
// overload, unsupported induction in shock, high PEEP in deeper shock,
// and milrinone without a concurrent vasopressor.
func ValidateMyocarditisOrder(parsed types.ParsedOrder, ctx MyocarditisOrderContext) MyocarditisOrderValidation {
	v := MyocarditisOrderValidation{IsValid: true}

	if ctx.TotalFluidsMlKg > 40 {
		v.Warnings = append(v.Warnings, "Fluid total exceeds 40 mL/kg in cardiogenic shock; consider holding further boluses.")
		v.TeachingPoints = append(v.TeachingPoints, "Aggressive fluid resuscitation can worsen pulmonary edema in myocarditis-driven cardiogenic shock.")
	}

	if parsed.Type == types.OrderCardiacExam {
		if agent, _ := parsed.Params["inductionAgent"].(string); agent == "propofol" && ctx.ShockStage >= 2 && !ctx.HasEpiRunning {
			v.Warnings = append(v.Warnings, "Propofol induction without a pressor running in shock stage >= 2 risks cardiovascular collapse.")
			v.TeachingPoints = append(v.TeachingPoints, "Prefer ketamine or etomidate and have a pressor at the bedside before inducing a shocky patient.")
		}
		if peep, ok := parsed.Params["peep"].(float64); ok && peep >= 10 && ctx.ShockStage >= 3 {
			v.Warnings = append(v.Warnings, "High PEEP in shock stage >= 3 can further reduce preload to a failing right heart.")
		}
	}

	if drug, _ := parsed.Params["drug"].(string); drug == "milrinone" && !ctx.HasEpiRunning {
		v.Warnings = append(v.Warnings, "Milrinone without a concurrent vasopressor risks vasoplegic hypotension.")
		v.TeachingPoints = append(v.TeachingPoints, "Milrinone is an inodilator; pair it with a vasopressor in shock.")
	}

	return v
}
