package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewIsUUID(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestNewFuncStub(t *testing.T) {
	prev := NewFunc
	defer func() { NewFunc = prev }()
	NewFunc = func() string { return "fixed" }
	assert.Equal(t, "fixed", New())
}
