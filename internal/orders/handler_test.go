package orders

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// fakeLocker runs fn inline; handler tests are single-goroutine.
type fakeLocker struct{}

func (fakeLocker) WithStateLock(_ string, fn func() error) error { return fn() }

// fakeBroadcaster records every message fanned out.
type fakeBroadcaster struct {
	msgs []any
}

func (b *fakeBroadcaster) BroadcastToSession(_ string, msg any) { b.msgs = append(b.msgs, msg) }

func (b *fakeBroadcaster) transcripts() []validate.PatientTranscriptDelta {
	var out []validate.PatientTranscriptDelta
	for _, m := range b.msgs {
		if d, ok := m.(validate.PatientTranscriptDelta); ok {
			out = append(out, d)
		}
	}
	return out
}

// fakeScheduler captures completion callbacks so tests fire them
// deterministically.
type fakeScheduler struct {
	fns []func()
}

func (s *fakeScheduler) After(_ time.Duration, fn func()) { s.fns = append(s.fns, fn) }

func (s *fakeScheduler) runAll() {
	fns := s.fns
	s.fns = nil
	for _, fn := range fns {
		fn()
	}
}

func newTestHandler(t *testing.T) (*Handler, *fakeBroadcaster, *fakeScheduler, *[]types.Order, *bool) {
	t.Helper()
	broadcaster := &fakeBroadcaster{}
	scheduler := &fakeScheduler{}
	h := NewHandler(NewParser(), fakeLocker{}, broadcaster)
	h.Scheduler = scheduler
	h.Now = func() time.Time { return time.Unix(1700000000, 0) }

	var orders []types.Order
	telemetryOn := false
	h.Register("sim-1", SessionHooks{
		Orders:          func() []types.Order { return orders },
		EKGHistory:      func() []string { return nil },
		Hydrate:         func(o []types.Order) { orders = o },
		EnableTelemetry: func() { telemetryOn = true },
	})
	return h, broadcaster, scheduler, &orders, &telemetryOn
}

func TestHandleOrderCreatesPendingThenCompletes(t *testing.T) {
	h, broadcaster, scheduler, orders, telemetryOn := newTestHandler(t)

	h.HandleOrder("sim-1", types.OrderEKG, "user-1", nil)

	if len(*orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(*orders))
	}
	if (*orders)[0].Status != types.OrderPending {
		t.Fatalf("status = %q, want pending", (*orders)[0].Status)
	}
	if (*orders)[0].OrderedBy != "user-1" {
		t.Errorf("orderedBy = %q, want user-1", (*orders)[0].OrderedBy)
	}

	scheduler.runAll()

	if (*orders)[0].Status != types.OrderComplete {
		t.Fatalf("status = %q, want complete", (*orders)[0].Status)
	}
	if (*orders)[0].Result == nil || (*orders)[0].Result.Summary == "" {
		t.Error("completed order is missing a result summary")
	}
	if !*telemetryOn {
		t.Error("EKG completion did not enable telemetry")
	}
	if got := broadcaster.transcripts(); len(got) == 0 {
		t.Error("no character dialogue was broadcast on completion")
	}
}

func TestHandleOrderDeduplicatesPendingType(t *testing.T) {
	h, broadcaster, scheduler, orders, _ := newTestHandler(t)

	h.HandleOrder("sim-1", types.OrderEKG, "user-1", nil)
	h.HandleOrder("sim-1", types.OrderEKG, "user-2", nil)

	if len(*orders) != 1 {
		t.Fatalf("orders = %d, want exactly 1 pending ekg order", len(*orders))
	}

	var stillWorking bool
	for _, d := range broadcaster.transcripts() {
		if strings.Contains(d.Text, "still working") {
			stillWorking = true
		}
	}
	if !stillWorking {
		t.Error(`duplicate order did not produce a "still working" line`)
	}

	scheduler.runAll()

	complete := 0
	for _, o := range *orders {
		if o.Type == types.OrderEKG && o.Status == types.OrderComplete {
			complete++
		}
	}
	if complete != 1 {
		t.Fatalf("complete ekg orders = %d, want 1", complete)
	}
}

func TestHandleOrderDifferentTypesCoexist(t *testing.T) {
	h, _, _, orders, _ := newTestHandler(t)

	h.HandleOrder("sim-1", types.OrderEKG, "user-1", nil)
	h.HandleOrder("sim-1", types.OrderLabs, "user-1", nil)

	if len(*orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(*orders))
	}
}

func TestHandleOrderUnregisteredSessionIsNoOp(t *testing.T) {
	h, broadcaster, _, _, _ := newTestHandler(t)
	h.HandleOrder("nope", types.OrderEKG, "user-1", nil)
	if len(broadcaster.msgs) != 0 {
		t.Fatalf("broadcasts = %d, want 0", len(broadcaster.msgs))
	}
}

func TestCompletionLatencyByType(t *testing.T) {
	if CompletionLatency(types.OrderLabs) <= CompletionLatency(types.OrderVitals) {
		t.Error("labs should take longer than a bedside vitals check")
	}
	if CompletionLatency(types.OrderImaging) <= CompletionLatency(types.OrderEKG) {
		t.Error("imaging should take longer than an ekg")
	}
}

func TestAppendEKGHistoryBoundedToThree(t *testing.T) {
	var history []string
	for _, e := range []string{"a", "b", "c", "d", "e"} {
		history = AppendEKGHistory(history, e)
	}
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}
	if history[0] != "c" || history[2] != "e" {
		t.Fatalf("history = %v, want [c d e]", history)
	}
}

func TestValidateMyocarditisOrderFluidOverloadWarning(t *testing.T) {
	v := ValidateMyocarditisOrder(types.ParsedOrder{Type: types.OrderIVAccess}, MyocarditisOrderContext{
		ShockStage:      3,
		TotalFluidsMlKg: 45,
	})
	if !v.IsValid {
		t.Error("orders are never rejected, IsValid should stay true")
	}
	if len(v.Warnings) == 0 {
		t.Fatal("expected a fluid-overload warning")
	}
}

func TestValidateMyocarditisOrderPropofolWithoutPressor(t *testing.T) {
	parsed := types.ParsedOrder{
		Type:   types.OrderCardiacExam,
		Params: map[string]any{"inductionAgent": "propofol"},
	}
	v := ValidateMyocarditisOrder(parsed, MyocarditisOrderContext{ShockStage: 2})
	if len(v.Warnings) == 0 {
		t.Fatal("expected a propofol-in-shock warning")
	}
	if len(v.TeachingPoints) == 0 {
		t.Error("expected a teaching point alongside the warning")
	}
}

func TestValidateMyocarditisOrderMilrinoneWithoutVasopressor(t *testing.T) {
	parsed := types.ParsedOrder{
		Type:   types.OrderCardiacExam,
		Params: map[string]any{"drug": "milrinone"},
	}
	v := ValidateMyocarditisOrder(parsed, MyocarditisOrderContext{ShockStage: 2})
	if len(v.Warnings) == 0 {
		t.Fatal("expected a milrinone-without-pressor warning")
	}
	v = ValidateMyocarditisOrder(parsed, MyocarditisOrderContext{ShockStage: 2, HasEpiRunning: true})
	if len(v.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none with epi running", v.Warnings)
	}
}
