package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/payday/internal/aggregate/lightninginvoice"
	"gitlab.com/arcanecrypto/payday/internal/aggregate/onchaininvoice"
	"gitlab.com/arcanecrypto/payday/internal/notify"
	"gitlab.com/arcanecrypto/payday/internal/payment"
	"gitlab.com/arcanecrypto/payday/internal/tasks"
)

type memQueue struct {
	tasks []tasks.Task
}

var _ tasks.Queue = (*memQueue)(nil)

func (q *memQueue) Enqueue(_ context.Context, taskType string, payload json.RawMessage, policy tasks.RetryPolicy) (int64, error) {
	q.tasks = append(q.tasks, tasks.Task{
		ID:       int64(len(q.tasks) + 1),
		TaskType: taskType,
		Payload:  payload,
		Status:   tasks.StatusPending,
	})
	return int64(len(q.tasks)), nil
}

func (q *memQueue) ClaimBatch(context.Context, int, time.Time) ([]tasks.Task, error) {
	return nil, nil
}

func (q *memQueue) Complete(context.Context, int64, time.Time) error { return nil }

func (q *memQueue) Fail(context.Context, int64, time.Time) error { return nil }

func (q *memQueue) Reschedule(context.Context, int64, int, time.Time) error { return nil }

func (q *memQueue) ReclaimStuck(context.Context, time.Time, time.Time) (int, error) {
	return 0, nil
}

func TestPublishOnChain_EnqueuesOnlyOnPaymentConfirmed(t *testing.T) {
	queue := &memQueue{}
	publisher := notify.New(queue)

	publisher.PublishOnChain(context.Background(), onchaininvoice.AggregateType, "tb1qaddr", []onchaininvoice.Event{
		{PaymentPending: &onchaininvoice.PaymentPending{ReceivedAmount: payment.Sats(1000)}},
		{PaymentConfirmed: &onchaininvoice.PaymentConfirmed{
			ReceivedAmount: payment.Sats(100_000),
			Confirmations:  1,
			TransactionID:  "tx-1",
		}},
	})

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, notify.TaskTypeInvoicePaid, queue.tasks[0].TaskType)

	var payload notify.PaidPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload, &payload))
	assert.Equal(t, "tb1qaddr", payload.AggregateID)
	assert.Equal(t, "on_chain", payload.PaymentType)
	assert.Equal(t, uint64(100_000), payload.ReceivedAmount)
	assert.Equal(t, "tx-1", payload.TransactionID)
}

func TestPublishLightning_EnqueuesOnlyOnSettledAndPaid(t *testing.T) {
	queue := &memQueue{}
	publisher := notify.New(queue)

	publisher.PublishLightning(context.Background(), lightninginvoice.AggregateType, "invoice-1", []lightninginvoice.Event{
		{InvoiceSettled: &lightninginvoice.InvoiceSettled{ReceivedAmount: payment.Sats(50_000), Paid: false}},
		{InvoiceSettled: &lightninginvoice.InvoiceSettled{ReceivedAmount: payment.Sats(100_000), Paid: true}},
	})

	require.Len(t, queue.tasks, 1)

	var payload notify.PaidPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload, &payload))
	assert.Equal(t, "invoice-1", payload.AggregateID)
	assert.Equal(t, "lightning", payload.PaymentType)
	assert.Equal(t, uint64(100_000), payload.ReceivedAmount)
}

func TestHandler_SucceedsOnWellFormedPayload(t *testing.T) {
	payload, err := json.Marshal(notify.PaidPayload{
		AggregateID: "invoice-1",
		PaymentType: "lightning",
	})
	require.NoError(t, err)

	outcome := notify.Handler(context.Background(), tasks.Task{Payload: payload})
	assert.Equal(t, tasks.Success, outcome)
}

func TestHandler_FailsOnMalformedPayload(t *testing.T) {
	outcome := notify.Handler(context.Background(), tasks.Task{Payload: json.RawMessage("not json")})
	assert.Equal(t, tasks.Failed, outcome)
}
