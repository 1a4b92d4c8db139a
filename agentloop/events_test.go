package agentloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterFansOut(t *testing.T) {
	e := NewEmitter(4)
	a, cancelA := e.Subscribe()
	b, cancelB := e.Subscribe()
	defer cancelA()
	defer cancelB()

	e.Emit(Notification{EventType: EventTaskStarted, SessionID: "s1", TaskID: "t1"})

	for _, ch := range []<-chan Notification{a, b} {
		select {
		case n := <-ch:
			assert.Equal(t, EventTaskStarted, n.EventType)
			assert.Equal(t, "t1", n.TaskID)
			assert.False(t, n.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEmitter(1)
	ch, cancel := e.Subscribe()
	defer cancel()

	e.Emit(Notification{EventType: EventTextDelta})
	e.Emit(Notification{EventType: EventTextDelta})

	assert.Len(t, ch, 1)
	assert.Equal(t, 1, e.Dropped())
}

func TestEmitterUnsubscribeAndClose(t *testing.T) {
	e := NewEmitter(2)
	ch, cancel := e.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	other, _ := e.Subscribe()
	e.Close()
	e.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := e.Subscribe()
	_, ok = <-late
	require.False(t, ok)
	e.Emit(Notification{EventType: EventWarning})
}
