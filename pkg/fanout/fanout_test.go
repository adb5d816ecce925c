package fanout

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/lightforgemedia/go-uibridge/pkg/wire"
)

func env(t *testing.T, name string, payload wire.Map) *wire.Envelope {
	t.Helper()
	e, err := wire.NewEnvelope("", wire.TypePush, name, payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestPubSubDelivers(t *testing.T) {
	defer leaktest.Check(t)()
	bus := NewPubSub("test:", 4)
	defer bus.Close()

	sub, err := bus.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := bus.Publish("room", env(t, "hello", wire.Map{"x": 1})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-sub.C:
		if got.Name != "hello" {
			t.Errorf("received %q, want hello", got.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}
}

func TestPubSubTopicIsolation(t *testing.T) {
	defer leaktest.Check(t)()
	bus := NewPubSub("test:", 4)
	defer bus.Close()

	sub, _ := bus.Subscribe("a")
	defer sub.Cancel()
	bus.Publish("b", env(t, "stray", nil))

	select {
	case got := <-sub.C:
		t.Errorf("subscriber of a received %q published to b", got.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubCancelClosesChannel(t *testing.T) {
	defer leaktest.Check(t)()
	bus := NewPubSub("test:", 4)
	defer bus.Close()

	sub, _ := bus.Subscribe("a")
	sub.Cancel()
	sub.Cancel() // idempotent

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("received envelope after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPubSubClosedBusRejects(t *testing.T) {
	bus := NewPubSub("test:", 4)
	bus.Close()
	if err := bus.Publish("a", env(t, "x", nil)); err == nil {
		t.Error("Publish on closed bus succeeded")
	}
	if _, err := bus.Subscribe("a"); err == nil {
		t.Error("Subscribe on closed bus succeeded")
	}
}

func TestPubSubFanOut(t *testing.T) {
	defer leaktest.Check(t)()
	bus := NewPubSub("test:", 4)
	defer bus.Close()

	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := bus.Subscribe("all")
		if err != nil {
			t.Fatal(err)
		}
		subs[i] = s
		defer s.Cancel()
	}
	bus.Publish("all", env(t, "fan", nil))
	for i, s := range subs {
		select {
		case got := <-s.C:
			if got.Name != "fan" {
				t.Errorf("subscriber %d received %q", i, got.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}
