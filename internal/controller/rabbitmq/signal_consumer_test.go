package rabbitmq

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/director74/dz9_saga/pkg/sagahost"
)

// fakeReceiver запоминает доставленные сигналы
type fakeReceiver struct {
	delivered []SignalMessage
	err       error
}

func (r *fakeReceiver) DeliverSignal(orderID, name string, payload json.RawMessage) error {
	if r.err != nil {
		return r.err
	}
	r.delivered = append(r.delivered, SignalMessage{OrderID: orderID, Name: name, Payload: payload})
	return nil
}

func newTestConsumer(receiver SignalReceiver) *SignalConsumer {
	return NewSignalConsumer(nil, receiver, log.New(io.Discard, "", 0))
}

func TestHandleMessageDeliversSignal(t *testing.T) {
	receiver := &fakeReceiver{}
	consumer := newTestConsumer(receiver)

	msg := SignalMessage{
		OrderID:   "o-1",
		Name:      "cancel",
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, consumer.handleMessage(body))
	require.Len(t, receiver.delivered, 1)
	assert.Equal(t, "o-1", receiver.delivered[0].OrderID)
	assert.Equal(t, "cancel", receiver.delivered[0].Name)
}

func TestHandleMessageUnknownRunAcked(t *testing.T) {
	receiver := &fakeReceiver{err: sagahost.ErrRunNotFound}
	consumer := newTestConsumer(receiver)

	body, err := json.Marshal(SignalMessage{OrderID: "ghost", Name: "approve"})
	require.NoError(t, err)

	// Сигнал для несуществующего запуска подтверждается без ошибки
	assert.NoError(t, consumer.handleMessage(body))
}

func TestHandleMessageDeliveryErrorPropagates(t *testing.T) {
	receiver := &fakeReceiver{err: fmt.Errorf("хост недоступен")}
	consumer := newTestConsumer(receiver)

	body, err := json.Marshal(SignalMessage{OrderID: "o-1", Name: "approve"})
	require.NoError(t, err)

	assert.Error(t, consumer.handleMessage(body))
}

func TestHandleMessageMalformedBodyDropped(t *testing.T) {
	receiver := &fakeReceiver{}
	consumer := newTestConsumer(receiver)

	assert.NoError(t, consumer.handleMessage([]byte("not json")))
	assert.Empty(t, receiver.delivered)
}
