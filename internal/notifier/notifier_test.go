package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func newTestNotifier(t *testing.T) (*RedisNotifier, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNotifier(client, &Config{Prefix: "test:events"}, nil), client
}

func TestPublish_RoutesByType(t *testing.T) {
	n, client := newTestNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "trig-1", "", &types.NodeStarted{NodeID: "a", NodeType: "llm"})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "trig-1", "", &types.NodeResult{NodeID: "a", Field: "response", Chunk: "hi"})))

	store, err := client.XRange(ctx, "test:events:store", "-", "+").Result()
	require.NoError(t, err)
	dispatch, err := client.XRange(ctx, "test:events:dispatch", "-", "+").Result()
	require.NoError(t, err)
	results, err := client.XRange(ctx, "test:events:results", "-", "+").Result()
	require.NoError(t, err)

	require.Len(t, store, 1)
	require.Len(t, dispatch, 1)
	require.Len(t, results, 1)

	assert.Equal(t, "trig-1", store[0].Values[FieldTriggerID])
	assert.Equal(t, "NODE_STARTED", store[0].Values[FieldType])
	assert.Equal(t, "NODE_RESULT", results[0].Values[FieldType])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(results[0].Values[FieldPayload].(string)), &payload))
	assert.Equal(t, "trig-1", payload["triggerId"])
	assert.Equal(t, "hi", payload["data"].(map[string]interface{})["chunk"])
}

func TestPublish_AfterClose(t *testing.T) {
	n, _ := newTestNotifier(t)
	require.NoError(t, n.Close())
	err := n.Publish(context.Background(), types.NewEvent("wf", "t", "", &types.WorkflowFailed{Message: "x"}))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplay_FiltersByTrigger(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "a", "", &types.WorkflowStarted{Nodes: []string{"x"}})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "b", "", &types.WorkflowStarted{Nodes: []string{"x"}})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "a", "", &types.WorkflowCompleted{DurationMs: 3})))

	recs, err := n.Replay(ctx, "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.EventWorkflowStarted, recs[0].Type)
	assert.Equal(t, types.EventWorkflowCompleted, recs[1].Type)
}

func TestSubscribe_DeliversNewRecordsForTrigger(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// published before subscribing, must not be delivered
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "t1", "", &types.NodeLog{NodeID: "a", Message: "old"})))

	ch := n.Subscribe(ctx, "t1")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "other", "", &types.NodeLog{NodeID: "a", Message: "skip"})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "t1", "", &types.NodeLog{NodeID: "a", Message: "new"})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "t1", "", &types.NodeResult{NodeID: "a", Field: "f", Chunk: "c"})))

	var got []types.EventType
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case rec := <-ch:
			assert.Equal(t, "t1", rec.TriggerID)
			got = append(got, rec.Type)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.ElementsMatch(t, []types.EventType{types.EventNodeLog, types.EventNodeResult}, got)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, types.NewEvent("wf", "t", "", &types.NodeStarted{NodeID: "a"})))
	require.NoError(t, r.Publish(ctx, types.NewEvent("wf", "t", "", &types.NodeCompleted{NodeID: "a"})))

	assert.Equal(t, []types.EventType{types.EventNodeStarted, types.EventNodeCompleted}, r.Types())
	assert.Len(t, r.OfType(types.EventNodeCompleted), 1)
	assert.Len(t, r.Events(), 2)
}
