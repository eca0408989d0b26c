package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []Event
	bus.Subscribe(ScanCompleted, func(e Event) { got = append(got, e) })
	bus.Subscribe(ScanCompleted, func(e Event) { got = append(got, e) })
	bus.Subscribe(HarvestExecuted, func(e Event) { t.Fatal("wrong type delivered") })

	m := NewManager(bus, zerolog.Nop())
	m.Emit(ScanCompleted, "scan", map[string]interface{}{"candidates": 3})

	require.Len(t, got, 2)
	assert.Equal(t, ScanCompleted, got[0].Type)
	assert.Equal(t, "scan", got[0].Module)
	assert.Equal(t, 3, got[0].Data["candidates"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got Event
	bus.Subscribe(ErrorOccurred, func(e Event) { got = e })

	m := NewManager(bus, zerolog.Nop())
	m.EmitError("scan", errors.New("quote feed down"), map[string]interface{}{"ticker": "VTI"})

	assert.Equal(t, ErrorOccurred, got.Type)
	assert.Equal(t, "quote feed down", got.Data["error"])
}
