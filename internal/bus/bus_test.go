package bus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lucasvandyk/recapd/internal/bus"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := bus.New(nil)
	b.Ensure("s1")

	sub, err := b.Subscribe("s1", 16)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		seq, err := b.Publish("s1", "tick", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		if want := uint64(i + 1); seq != want {
			t.Errorf("Publish returned seq %d, want %d", seq, want)
		}
	}

	for i := 0; i < 5; i++ {
		env := <-sub.C
		if want := uint64(i + 1); env.Seq != want {
			t.Errorf("received seq %d, want %d", env.Seq, want)
		}
		if env.Event != "tick" {
			t.Errorf("received event %q, want %q", env.Event, "tick")
		}
	}
}

func TestAllSubscribersSeeSameOrder(t *testing.T) {
	b := bus.New(nil)
	b.Ensure("s1")

	var subs []*bus.Subscriber
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("s1", 32)
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		subs = append(subs, sub)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := b.Publish("s1", fmt.Sprintf("e%d", i), nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for si, sub := range subs {
		for i := 0; i < n; i++ {
			env := <-sub.C
			if want := fmt.Sprintf("e%d", i); env.Event != want {
				t.Errorf("subscriber %d event %d: got %q, want %q", si, i, env.Event, want)
			}
			if want := uint64(i + 1); env.Seq != want {
				t.Errorf("subscriber %d event %d: got seq %d, want %d", si, i, env.Seq, want)
			}
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := bus.New(nil)
	b.Ensure("s1")

	sub, err := b.Subscribe("s1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Publish more than the queue holds without consuming.
	for i := 0; i < 5; i++ {
		if _, err := b.Publish("s1", "e", i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// The two newest events must survive; older ones were evicted.
	first := <-sub.C
	second := <-sub.C
	if first.Seq != 4 || second.Seq != 5 {
		t.Errorf("surviving seqs = %d, %d; want 4, 5", first.Seq, second.Seq)
	}

	select {
	case env := <-sub.C:
		t.Errorf("unexpected extra event seq=%d", env.Seq)
	default:
	}
}

func TestPublishUnknownSession(t *testing.T) {
	b := bus.New(nil)
	if _, err := b.Publish("missing", "e", nil); !errors.Is(err, bus.ErrSessionGone) {
		t.Fatalf("Publish to unknown session: err = %v, want ErrSessionGone", err)
	}
	if _, err := b.Subscribe("missing", 1); !errors.Is(err, bus.ErrSessionGone) {
		t.Fatalf("Subscribe to unknown session: err = %v, want ErrSessionGone", err)
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := bus.New(nil)
	b.Ensure("s1")
	sub, err := b.Subscribe("s1", 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe(sub)

	if _, open := <-sub.C; open {
		t.Error("subscriber channel still open after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	if _, err := b.Publish("s1", "e", nil); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
}

func TestCloseSession(t *testing.T) {
	b := bus.New(nil)
	b.Ensure("s1")
	sub, err := b.Subscribe("s1", 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Close("s1")

	if _, open := <-sub.C; open {
		t.Error("subscriber channel still open after Close")
	}
	if _, err := b.Publish("s1", "e", nil); !errors.Is(err, bus.ErrSessionGone) {
		t.Errorf("Publish after Close: err = %v, want ErrSessionGone", err)
	}
}
