package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventAccountChanged, "3XSLuJcXg6xEua6iBPnWacc3iWh93yEDMCqX8FbE3RDSbEnT9P")
	require.NoError(t, err)
	assert.Equal(t, EventAccountChanged, ev.Type)
	assert.JSONEq(t, `"3XSLuJcXg6xEua6iBPnWacc3iWh93yEDMCqX8FbE3RDSbEnT9P"`, string(ev.Payload))
	assert.False(t, ev.Timestamp.IsZero())

	_, err = NewEvent(EventChainChanged, make(chan int))
	assert.ErrorIs(t, err, ErrInvalidInput)
}
