package qmevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/types"
)

func TestEnabledRequiresQueueAndMask(t *testing.T) {
	desc := &types.QueueDescriptor{}
	assert.False(t, Enabled(desc, WorkerStartup))

	desc.ManagementQueue = "mgmt"
	assert.False(t, Enabled(desc, WorkerStartup))

	desc.ManagementMask = types.MgmtWorkerStartup
	assert.True(t, Enabled(desc, WorkerStartup))
	assert.False(t, Enabled(desc, PersistentDied))
}

func TestWorkerStartupEventPayload(t *testing.T) {
	desc := &types.QueueDescriptor{ManagementQueue: "mgmt", ManagementKind: types.MgmtKindInterpreter}
	ev := WorkerStartupEvent(desc, "work", 0, 42)
	assert.Equal(t, "mgmt", ev.DestQueue)
	v, ok := ev.Params.Get("newpid")
	require.True(t, ok)
	assert.Equal(t, "42", v.String())
}

func TestPersistentDiedEventPayload(t *testing.T) {
	desc := &types.QueueDescriptor{ManagementQueue: "mgmt"}
	ev := PersistentDiedEvent(desc, "persist", 3, 9001, "/bin/cat", 1, 15, "boom", types.CauseSIGTERM)
	cause, ok := ev.Params.Get("failurecause")
	require.True(t, ok)
	assert.Equal(t, string(types.CauseSIGTERM), cause.String())
}

func TestBrokerPublishFanOut(t *testing.T) {
	b := NewBroker()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(Transition{Kind: WorkerStartup, Queue: "work", WorkerPID: 1})

	select {
	case got := <-sub1:
		assert.Equal(t, WorkerStartup, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sub1")
	}
	select {
	case got := <-sub2:
		assert.Equal(t, "work", got.Queue)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sub2")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}
