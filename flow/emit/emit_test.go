package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "workflow:daily-digest", WorkflowChannel("daily-digest"))
	assert.Equal(t, "execution:abc", ExecutionChannel("abc"))
	assert.Equal(t, "epic:7", EpicChannel(7))
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(New(EventNodeStatus, "execution:abc", map[string]any{"node_id": "a"}))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[node_status] channel=execution:abc"), line)
	assert.Contains(t, line, `"node_id":"a"`)
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(New(EventExecutionStarted, "execution:abc", nil))

	var got Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, EventExecutionStarted, got.Type)
	assert.Equal(t, "execution:abc", got.Channel)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(New(EventExecutionStarted, "execution:1", nil))
	b.Emit(New(EventNodeStatus, "execution:1", map[string]any{"node_id": "a"}))
	b.Emit(New(EventNodeStatus, "execution:2", nil))

	assert.Len(t, b.History("execution:1"), 2)
	assert.Len(t, b.History("execution:2"), 1)
	assert.Empty(t, b.History("execution:3"))

	statuses := b.HistoryWithFilter("execution:1", HistoryFilter{Type: EventNodeStatus})
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].Data["node_id"])

	b.Clear("execution:1")
	assert.Empty(t, b.History("execution:1"))
	assert.Len(t, b.History("execution:2"), 1)

	b.Clear("")
	assert.Empty(t, b.History("execution:2"))
}

func TestBroadcasterDelivery(t *testing.T) {
	b := NewBroadcaster()

	sub := b.Subscribe("execution:1")
	other := b.Subscribe("execution:2")
	defer other.Cancel()

	buffered := NewBufferedEmitter()
	b.Attach(buffered)

	b.Publish(New(EventNodeStatus, "execution:1", map[string]any{"node_id": "a"}))

	select {
	case got := <-sub.C:
		assert.Equal(t, EventNodeStatus, got.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	// The other channel's subscriber sees nothing.
	select {
	case <-other.C:
		t.Fatal("event leaked across channels")
	default:
	}

	// Attached emitters see every event regardless of channel.
	assert.Len(t, buffered.History("execution:1"), 1)

	sub.Cancel()
	sub.Cancel() // idempotent
	assert.Zero(t, b.SubscriberCount("execution:1"))
}

func TestBroadcasterDropsOnBacklog(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("execution:1")
	defer sub.Cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(New(EventNodeStatus, "execution:1", nil))
	}
	assert.Equal(t, int64(10), b.Dropped())
}

type panicky struct{}

func (panicky) Emit(Event) { panic("backend down") }

func TestBroadcasterSurvivesEmitterPanic(t *testing.T) {
	b := NewBroadcaster()
	b.Attach(panicky{})

	assert.NotPanics(t, func() {
		b.Publish(New(EventExecutionFailed, "execution:1", map[string]any{"error": "x"}))
	})
}

func TestMultiEmitter(t *testing.T) {
	first := NewBufferedEmitter()
	second := NewBufferedEmitter()
	m := Multi{first, second}

	m.Emit(New(EventWorkflowUpdated, "workflow:slug", nil))
	assert.Len(t, first.History("workflow:slug"), 1)
	assert.Len(t, second.History("workflow:slug"), 1)
}
