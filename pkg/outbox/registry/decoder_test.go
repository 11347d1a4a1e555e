package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/payloads"
)

func TestDecodeSelectsByVersion(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventOrderPaid, 2, func(json.RawMessage) (any, error) { return "v2", nil })
	RegisterJSON[payloads.OrderPaidEvent](reg, enums.EventOrderPaid, 1)

	out, err := reg.Decode(enums.EventOrderPaid, 1, json.RawMessage(`{"order_id":"7b0d2c64-4b0e-4e59-9d4b-2d4b8f0f1a11","total_cents":4200}`))
	require.NoError(t, err)
	paid, ok := out.(*payloads.OrderPaidEvent)
	require.True(t, ok, "got %T", out)
	assert.EqualValues(t, 4200, paid.TotalCents)

	out, err = reg.Decode(enums.EventOrderPaid, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
	assert.Equal(t, []int{1, 2}, reg.Versions(enums.EventOrderPaid))

	_, err = reg.Decode(enums.EventOrderPaid, 3, nil)
	assert.ErrorIs(t, err, ErrNoDecoder)
}

func TestKnownTracksRegisteredTypes(t *testing.T) {
	reg := NewDecoderRegistry()
	RegisterJSON[payloads.OrderCanceledEvent](reg, enums.EventOrderCanceled, 1)

	assert.True(t, reg.Known(enums.EventOrderCanceled))
	assert.False(t, reg.Known(enums.EventOrderCreated))
	assert.Empty(t, reg.Versions(enums.EventOrderCreated))

	_, err := reg.Decode(enums.EventOrderCreated, 1, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoDecoder)
}

func TestRegisterJSONReportsMalformedPayloads(t *testing.T) {
	reg := NewDecoderRegistry()
	RegisterJSON[payloads.OrderCanceledEvent](reg, enums.EventOrderCanceled, 1)

	out, err := reg.Decode(enums.EventOrderCanceled, 1, json.RawMessage(`{"total_cents":900,"reason":"buyer request"}`))
	require.NoError(t, err)
	canceled := out.(*payloads.OrderCanceledEvent)
	assert.EqualValues(t, 900, canceled.TotalCents)
	assert.Equal(t, "buyer request", canceled.Reason)

	_, err = reg.Decode(enums.EventOrderCanceled, 1, json.RawMessage(`{"total_cents":"x"}`))
	assert.ErrorContains(t, err, "order_canceled@v1")
}
