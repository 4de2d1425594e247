package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
)

func event(kind engine.EventKind, userID string) engine.Event {
	return engine.Event{Kind: kind, UserID: userID, ExecutionID: "e1", Timestamp: time.Now()}
}

func drain(c chan engine.Event) []engine.Event {
	var out []engine.Event
	for {
		select {
		case ev := <-c:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishDeliversOnlyToMatchingUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := hub.Subscribe("c1", "alice", false, 8)
	bob := hub.Subscribe("c2", "bob", false, 8)

	hub.Publish(event(engine.EventNodeCompleted, "alice"))
	hub.Publish(event(engine.EventNodeCompleted, "alice"))
	hub.Publish(event(engine.EventNodeCompleted, "bob"))

	assert.Len(t, drain(alice.C), 2)
	assert.Len(t, drain(bob.C), 1)
}

func TestAdminOverrideSeesEveryEvent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	admin := hub.Subscribe("c1", "ops", true, 8)

	hub.Publish(event(engine.EventExecutionStarted, "alice"))
	hub.Publish(event(engine.EventExecutionStarted, "bob"))

	assert.Len(t, drain(admin.C), 2)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("c1", "alice", false, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(event(engine.EventLogAppended, "alice"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	delivered := drain(sub.C)
	assert.Len(t, delivered, 2)
	assert.Equal(t, uint64(8), sub.Drops())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("c1", "alice", false, 2)
	require.Equal(t, 1, hub.SubscriberCount())

	hub.Unsubscribe("c1")
	assert.Equal(t, 0, hub.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op, not a panic.
	hub.Publish(event(engine.EventNodeStarted, "alice"))
}

func TestMultiplexerFansOut(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe("c1", "alice", false, 8)

	var observed []engine.EventKind
	mux := Multiplexer{hub, ObserverFunc(func(ev engine.Event) {
		observed = append(observed, ev.Kind)
	})}

	mux.Publish(event(engine.EventExecutionCompleted, "alice"))

	assert.Len(t, drain(sub.C), 1)
	assert.Equal(t, []engine.EventKind{engine.EventExecutionCompleted}, observed)
}
