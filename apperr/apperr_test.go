package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesDefaultMessage(t *testing.T) {
	err := New(AlreadyRead)
	assert.Equal(t, AlreadyRead, err.Code)
	assert.Equal(t, "This message has already been read", err.Message)
}

func TestEveryCodeHasMessage(t *testing.T) {
	for c := NoCredential; c <= Unavailable; c++ {
		assert.NotEmpty(t, New(c).Message, "code %d", c)
	}
}

func TestHasThroughWrapping(t *testing.T) {
	err := fmt.Errorf("send: %w", New(NoConversation))
	assert.True(t, Has(err, NoConversation))
	assert.False(t, Has(err, AlreadyRead))
	assert.True(t, errors.Is(err, New(NoConversation)))
}

func TestPublic(t *testing.T) {
	e, ok := Public(New(InvalidLimit))
	require.True(t, ok)
	assert.Equal(t, InvalidLimit, e.Code)

	e, ok = Public(errors.New("disk on fire"))
	assert.False(t, ok)
	assert.Equal(t, Unavailable, e.Code)
}

func TestOpcodesStable(t *testing.T) {
	assert.Equal(t, Code(0), NoCredential)
	assert.Equal(t, Code(1), InvalidCredential)
	assert.Equal(t, Code(3), InvalidMessageLength)
	assert.Equal(t, Code(26), Unavailable)
}
