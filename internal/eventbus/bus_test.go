package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeTaskFault, Data: FaultData{Group: "rg1", Task: "x"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskFault {
				t.Fatalf("Type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("Publish did not stamp Time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsAndCounts(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}

func TestSeverityOf(t *testing.T) {
	t.Parallel()
	cases := map[string]Severity{
		TypeHealthFatal:     SeverityFatal,
		TypeHealthWarning:   SeverityWarning,
		TypeCycleOverrun:    SeverityWarning,
		TypeTaskFault:       SeverityWarning,
		TypeHealthRecovered: SeverityActivity,
		"something.else":    SeverityDiagnostic,
	}
	for typ, want := range cases {
		if got := SeverityOf(typ); got != want {
			t.Errorf("SeverityOf(%q) = %v, want %v", typ, got, want)
		}
	}
}
