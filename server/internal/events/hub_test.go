package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeClient(topics ...string) *Client {
	return &Client{send: make(chan Message, sendBufferSize), topics: topics}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == n },
		time.Second, time.Millisecond)
}

func TestPublishRoutesByTopic(t *testing.T) {
	hub, _ := runHub(t)

	jobs := newFakeClient("job:j1")
	agents := newFakeClient("agent:a1")
	hub.Subscribe(jobs)
	hub.Subscribe(agents)
	waitConnected(t, hub, 2)

	hub.Publish("job:j1", Message{Type: MsgJobStatus, Topic: "job:j1"})

	select {
	case msg := <-jobs.send:
		assert.Equal(t, MsgJobStatus, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the message")
	}
	assert.Empty(t, agents.send, "clients only receive their topics")
}

func TestPublishWithoutSubscribersIsSafe(t *testing.T) {
	hub := NewHub()
	// No Run loop, no clients — services publish unconditionally.
	assert.NotPanics(t, func() {
		hub.Publish("job:j1", Message{Type: MsgJobStatus})
	})
}

func TestPublishJobFansOutToTeamTopic(t *testing.T) {
	hub, _ := runHub(t)

	dashboard := newFakeClient(TeamTopic("t1"))
	detail := newFakeClient(JobTopic("j1"))
	hub.Subscribe(dashboard)
	hub.Subscribe(detail)
	waitConnected(t, hub, 2)

	hub.PublishJob("t1", "j1", MsgJobStatus, JobStatusPayload{GUID: "j1", Status: "running"})

	for _, c := range []*Client{dashboard, detail} {
		select {
		case msg := <-c.send:
			assert.Equal(t, MsgJobStatus, msg.Type)
		case <-time.After(time.Second):
			t.Fatal("fan-out target never received the message")
		}
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub, _ := runHub(t)

	slow := &Client{send: make(chan Message), topics: []string{"team:t1"}} // no buffer
	hub.Subscribe(slow)
	waitConnected(t, hub, 1)

	hub.Publish("team:t1", Message{Type: MsgPing})
	waitConnected(t, hub, 0)

	// The hub closes the send channel when it evicts the client.
	_, open := <-slow.send
	assert.False(t, open)
}

func TestUnsubscribeRemovesTopicRouting(t *testing.T) {
	hub, _ := runHub(t)

	c := newFakeClient("job:j1")
	hub.Subscribe(c)
	waitConnected(t, hub, 1)

	hub.Unsubscribe(c)
	waitConnected(t, hub, 0)

	hub.Publish("job:j1", Message{Type: MsgJobStatus})
	_, open := <-c.send
	assert.False(t, open, "an unsubscribed client's channel is closed, not written")
}

func TestShutdownClosesAllClients(t *testing.T) {
	hub, cancel := runHub(t)

	c := newFakeClient("team:t1")
	hub.Subscribe(c)
	waitConnected(t, hub, 1)

	cancel()
	select {
	case <-hub.stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, hub.ConnectedCount())
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "job:j1", JobTopic("j1"))
	assert.Equal(t, "agent:a1", AgentTopic("a1"))
	assert.Equal(t, "team:t1", TeamTopic("t1"))
}
