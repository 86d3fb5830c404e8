package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiError_Empty(t *testing.T) {
	m := NewMultiError()
	assert.NoError(t, m.Err())
	assert.Equal(t, 0, m.Len())
}

func TestMultiError_IgnoresNil(t *testing.T) {
	m := NewMultiError()
	m.Add(nil)
	m.Add(nil)
	assert.NoError(t, m.Err())
	assert.Equal(t, 0, m.Len())
}

func TestMultiError_SingleErrorPassesThrough(t *testing.T) {
	stop := errors.New("stopping office: process already gone")
	m := NewMultiError()
	m.Add(stop)

	err := m.Err()
	require.Error(t, err)
	// With one error the collector stays out of the way entirely.
	assert.Same(t, stop, err)
}

func TestMultiError_JoinsMessages(t *testing.T) {
	m := NewMultiError()
	m.Add(errors.New("disconnecting office: timeout"))
	m.Add(errors.New("disconnecting lab: interface busy"))

	err := m.Err()
	require.Error(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Contains(t, err.Error(), "2 errors:")
	assert.Contains(t, err.Error(), "disconnecting office: timeout")
	assert.Contains(t, err.Error(), "disconnecting lab: interface busy")
}

func TestMultiError_ErrorsIsThroughCollector(t *testing.T) {
	sentinel := errors.New("permission denied")
	m := NewMultiError()
	m.Add(errors.New("unrelated"))
	m.Add(fmt.Errorf("stopping lab: %w", sentinel))

	assert.True(t, errors.Is(m.Err(), sentinel))
	assert.False(t, errors.Is(m.Err(), errors.New("other")))
}
