package corestream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/corestream/internal/testutil"
)

// installStreamAndConsumerAPI wires responders that emulate the streaming
// service's management API closely enough to drive the subscription
// factory: stream name lookup always resolves to streamName, consumer info
// lookups fail with a not-found error, and durable/ephemeral create echoes
// back whatever configuration was requested with an assigned Name.
func installStreamAndConsumerAPI(t *testing.T, nc *nats.Conn, prefix, streamName string) {
	t.Helper()

	testutil.Responder(t, nc, prefix+".STREAM.NAMES", func(nm *nats.Msg) {
		body, _ := json.Marshal(wireStreamNamesResponse{Streams: []string{streamName}})
		_ = nm.Respond(body)
	})

	testutil.Responder(t, nc, prefix+".CONSUMER.INFO.*.*", func(nm *nats.Msg) {
		body, _ := json.Marshal(apiResponse{Error: &struct {
			Code        int    `json:"code"`
			ErrCode     int    `json:"err_code"`
			Description string `json:"description"`
		}{Code: 404, ErrCode: 10014, Description: "consumer not found"}})
		_ = nm.Respond(body)
	})

	testutil.Responder(t, nc, prefix+".CONSUMER.DURABLE.CREATE.*.*", func(nm *nats.Msg) {
		var req wireCreateConsumerRequest
		_ = json.Unmarshal(nm.Data, &req)

		info := wireConsumerInfo{
			Name:       req.Config.Durable,
			StreamName: req.StreamName,
			Config:     req.Config,
		}
		body, _ := json.Marshal(info)
		_ = nm.Respond(body)
	})
}

func TestSubscribePushCreatesConsumerAndDelivers(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	installStreamAndConsumerAPI(t, nc, defaultAPIPrefix, "ORDERS")

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	received := make(chan string, 1)
	sub, err := ctx.Subscribe("orders.>", func(m *Msg) {
		received <- string(m.Data)
	}, SubOpts{Config: ConsumerConfig{Durable: "watcher"}})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, nc.Publish(sub.deliverSubject, []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSubscribePushAutoAcksWhenAckPolicyRequiresIt(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	installStreamAndConsumerAPI(t, nc, defaultAPIPrefix, "ORDERS")

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	received := make(chan string, 1)
	sub, err := ctx.Subscribe("orders.>", func(m *Msg) {
		received <- string(m.Data)
	}, SubOpts{Config: ConsumerConfig{Durable: "autoacker", AckPolicy: AckPolicyExplicit}})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	acked := make(chan []byte, 1)
	testutil.Responder(t, nc, "acks.auto", func(nm *nats.Msg) { acked <- nm.Data })

	deliver := nats.NewMsg(sub.deliverSubject)
	deliver.Data = []byte("hello")
	deliver.Reply = "acks.auto"
	require.NoError(t, nc.PublishMsg(deliver))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	select {
	case data := <-acked:
		assert.Equal(t, ackPayloadAck, string(data))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not request manual ack, so the message should have been auto-acked")
	}
}

func TestSubscribeRejectsQueueWithHeartbeat(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	_, err = ctx.Subscribe("orders.>", func(*Msg) {}, SubOpts{
		Queue:  "workers",
		Config: ConsumerConfig{Heartbeat: time.Second},
	})
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func TestSubscribeBindMismatchOnFilterSubject(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	testutil.Responder(t, nc, defaultAPIPrefix+".CONSUMER.INFO.*.*", func(nm *nats.Msg) {
		info := wireConsumerInfo{
			Name:       "watcher",
			StreamName: "ORDERS",
			Config: wireConsumerConfig{
				Durable:        "watcher",
				DeliverSubject: "_INBOX.existing",
				FilterSubject:  "orders.old",
			},
		}
		body, _ := json.Marshal(info)
		_ = nm.Respond(body)
	})

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	_, err = ctx.Subscribe("orders.new", func(*Msg) {}, SubOpts{
		Stream:   "ORDERS",
		Consumer: "watcher",
		Config:   ConsumerConfig{Durable: "watcher", FilterSubject: "orders.new"},
	})
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestIsNotFoundErrAndIsTimeoutErrClassifyStatusErrorKinds(t *testing.T) {
	assert.True(t, isNotFoundErr(newStatusError(KindNotFound, "not found")))
	assert.True(t, isNotFoundErr(newStatusError(KindErr, "server err")))
	assert.False(t, isNotFoundErr(newStatusError(KindTimeout, "timed out")))
	assert.False(t, isNotFoundErr(nil))

	assert.True(t, isTimeoutErr(newStatusError(KindTimeout, "timed out")))
	assert.False(t, isTimeoutErr(newStatusError(KindNotFound, "not found")))
	assert.False(t, isTimeoutErr(nil))
}

func TestSubscribeCreateRaceFallsBackToExisting(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	testutil.Responder(t, nc, defaultAPIPrefix+".STREAM.NAMES", func(nm *nats.Msg) {
		body, _ := json.Marshal(wireStreamNamesResponse{Streams: []string{"ORDERS"}})
		_ = nm.Respond(body)
	})

	raceInfo := wireConsumerInfo{
		Name:       "watcher",
		StreamName: "ORDERS",
		Config: wireConsumerConfig{
			Durable:        "watcher",
			DeliverSubject: "_INBOX.race",
		},
	}

	// CONSUMER.DURABLE.CREATE simulates a racing peer: the create fails
	// with "consumer already exists". CONSUMER.INFO reports not-found on
	// its first call (before the race) and, from the second call onward,
	// reports the consumer the racing peer created.
	testutil.Responder(t, nc, defaultAPIPrefix+".CONSUMER.DURABLE.CREATE.*.*", func(nm *nats.Msg) {
		body, _ := json.Marshal(apiResponse{Error: &struct {
			Code        int    `json:"code"`
			ErrCode     int    `json:"err_code"`
			Description string `json:"description"`
		}{Code: 400, ErrCode: errCodeConsumerNameExist, Description: "consumer name already in use"}})
		_ = nm.Respond(body)
	})

	var infoCalls int
	testutil.Responder(t, nc, defaultAPIPrefix+".CONSUMER.INFO.*.*", func(nm *nats.Msg) {
		infoCalls++
		if infoCalls == 1 {
			body, _ := json.Marshal(apiResponse{Error: &struct {
				Code        int    `json:"code"`
				ErrCode     int    `json:"err_code"`
				Description string `json:"description"`
			}{Code: 404, ErrCode: 10014, Description: "consumer not found"}})
			_ = nm.Respond(body)

			return
		}
		body, _ := json.Marshal(raceInfo)
		_ = nm.Respond(body)
	})

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	sub, err := ctx.Subscribe("orders.>", func(*Msg) {}, SubOpts{Config: ConsumerConfig{Durable: "watcher"}})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, "_INBOX.race", sub.deliverSubject)
}
