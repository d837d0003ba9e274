package rpcbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

func newDisconnectedClient(t *testing.T) (*Client, *threadpool.Manager) {
	t.Helper()
	pool := threadpool.NewManager(nil)
	t.Cleanup(func() { pool.Shutdown() })

	client, err := NewClient(common.RPCConfig{
		ClientID:   "test-client",
		BrokerHost: "127.0.0.1",
		BrokerPort: 1883,
		QoS:        1,
	}, pool, nil)
	require.NoError(t, err)
	return client, pool
}

func TestNewClientValidation(t *testing.T) {
	pool := threadpool.NewManager(nil)
	defer pool.Shutdown()

	_, err := NewClient(common.RPCConfig{}, pool, nil)
	require.ErrorIs(t, err, common.ErrInvalidParam)

	_, err = NewClient(common.RPCConfig{BrokerHost: "h"}, nil, nil)
	require.ErrorIs(t, err, common.ErrInvalidParam)
}

func TestPublishWhileDisconnected(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	err := client.Publish("some/topic", []byte("payload"))
	require.ErrorIs(t, err, common.ErrNotConnected)
	require.Equal(t, uint64(1), client.GetStatistics().ErrorsCount)
}

func TestCallAsyncRemovesPendingOnPublishFailure(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	req := NewRequest("get_status", "datalink", AuthoritySystem, nil)
	err := client.CallAsync(req, func(*Response, error) {
		t.Error("Callback must not fire when the publish fails")
	})
	require.ErrorIs(t, err, common.ErrNotConnected)
	require.Equal(t, 0, client.PendingCount())
}

func TestCallAsyncRejectsMalformedTransactionID(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	req := NewRequest("m", "s", AuthorityUser, nil)
	req.TransactionID = "not-a-uuid"
	err := client.CallAsync(req, nil)
	require.ErrorIs(t, err, common.ErrInvalidParam)
}

func TestDispatchMatchesPendingExactlyOnce(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	tid := GenerateTransactionID()
	calls := 0
	p := &pendingRequest{
		transactionID: tid,
		timeout:       common.DefaultRequestTimeout,
		callback: func(resp *Response, err error) {
			calls++
			require.NoError(t, err)
			require.Equal(t, tid, resp.TransactionID)
			require.True(t, resp.Success)
		},
	}
	require.NoError(t, client.pending.add(p))

	payload, err := (&Response{TransactionID: tid, Success: true}).Marshal()
	require.NoError(t, err)

	client.dispatch(inboundMessage{topic: "any/response", payload: payload})
	// A redelivered response finds no pending entry and goes to the
	// message handler instead.
	client.dispatch(inboundMessage{topic: "any/response", payload: payload})

	require.Equal(t, 1, calls)
	require.Equal(t, uint64(1), client.GetStatistics().ResponsesReceived)
}

func TestDispatchUnmatchedGoesToHandler(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	var gotTopic string
	var gotPayload []byte
	client.SetMessageHandler(func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})

	client.dispatch(inboundMessage{topic: "free/topic", payload: []byte(`{"hello":1}`)})
	require.Equal(t, "free/topic", gotTopic)
	require.JSONEq(t, `{"hello":1}`, string(gotPayload))
}

func TestStatusTransitionsReported(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	var seen []Status
	client.SetConnectionCallback(func(s Status) {
		seen = append(seen, s)
	})

	client.setStatus(StatusConnecting)
	client.setStatus(StatusConnected)
	client.setStatus(StatusConnected) // duplicate, not reported
	client.setStatus(StatusError)

	require.Equal(t, []Status{StatusConnecting, StatusConnected, StatusError}, seen)
	require.Equal(t, StatusError, client.GetStatus())
}

func TestRequestMarshalRoundTrip(t *testing.T) {
	req := NewRequest("get_status", "datalink", AuthorityAdmin, map[string]interface{}{"verbose": true})
	require.True(t, ValidateTransactionID(req.TransactionID))

	data, err := req.Marshal()
	require.NoError(t, err)

	parsed, err := ParseRequest(data)
	require.NoError(t, err)
	require.Equal(t, req.TransactionID, parsed.TransactionID)
	require.Equal(t, "get_status", parsed.Method)
	require.Equal(t, AuthorityAdmin, parsed.Authority)
	require.Equal(t, true, parsed.Params["verbose"])
}

func TestStatisticsReset(t *testing.T) {
	client, _ := newDisconnectedClient(t)

	_ = client.Publish("t", nil)
	require.NotZero(t, client.GetStatistics().ErrorsCount)

	client.ResetStatistics()
	require.Zero(t, client.GetStatistics().ErrorsCount)
}
