package events

import (
	"testing"
)

func TestPublishReachesEveryListener(t *testing.T) {
	b := NewBus()
	var got []Event
	b.On(ModuleInstalledEvent, func(e Event) {
		got = append(got, e)
	})
	b.On(ModuleInstalledEvent, func(e Event) {
		got = append(got, e)
	})
	b.On(ModuleActivatedEvent, func(e Event) {
		t.Error("listener on a different topic must not fire")
	})

	b.Publish(ModuleInstalledEvent, "acme")

	if len(got) != 2 {
		t.Fatalf("expected both listeners to fire, got %d", len(got))
	}
	for _, e := range got {
		if e.Topic != ModuleInstalledEvent || e.Data != "acme" {
			t.Errorf("unexpected event payload: %+v", e)
		}
	}
}

func TestPublishWithoutListeners(t *testing.T) {
	b := NewBus()
	// Must not panic or block.
	b.Publish(ModuleUninstalledEvent, "acme")
}

func TestPublishSurvivesPanickingListener(t *testing.T) {
	b := NewBus()
	var after bool
	b.On(ModuleActivatedEvent, func(e Event) {
		panic("listener bug")
	})
	b.On(ModuleActivatedEvent, func(e Event) {
		after = true
	})

	b.Publish(ModuleActivatedEvent, "acme")

	if !after {
		t.Error("a panicking listener must not stop delivery to the rest")
	}
}
