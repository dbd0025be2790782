package protocol

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherline/models"
)

func TestEncodeGolden(t *testing.T) {
	g := goldie.New(t)

	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "status_event",
			event: NewEvent(EventStatus, StatusPayload{
				User:   "7b0e3c1a-58a2-4bd4-9a51-0f4f3e0c2d11",
				Status: models.StatusHidden.Effective(),
			}),
		},
		{
			name: "new_message_event",
			event: NewEvent(EventNewMessage, MessagePayload{
				ID:        "m-1",
				User:      "alice-id",
				Content:   "b64ciphertext==",
				CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			}),
		},
		{
			name:  "ready_event",
			event: NewEvent(EventReady, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.event)
			require.NoError(t, err)
			g.Assert(t, tt.name, frame)
		})
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"event":"changeStatus","data":{"status":"hidden"}}`))
	require.NoError(t, err)
	assert.Equal(t, RequestChangeStatus, req.Name)

	var body ChangeStatusRequest
	require.NoError(t, req.Bind(&body))
	assert.Equal(t, models.StatusHidden, body.Status)
}

func TestParseRequestInvalid(t *testing.T) {
	tests := []string{
		``,
		`not json`,
		`{"data":{"id":"x"}}`,
		`[1,2,3]`,
	}
	for _, frame := range tests {
		_, err := ParseRequest([]byte(frame))
		assert.ErrorIs(t, err, ErrInvalidFrame, "frame %q", frame)
	}
}

func TestBindMissingData(t *testing.T) {
	req, err := ParseRequest([]byte(`{"event":"typing"}`))
	require.NoError(t, err)

	var body TypingRequest
	assert.ErrorIs(t, req.Bind(&body), ErrInvalidFrame)
}
