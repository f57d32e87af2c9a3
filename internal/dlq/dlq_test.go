package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aculich/bp-telemetry-core/internal/pipelineerr"
	"github.com/aculich/bp-telemetry-core/internal/streams"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := streams.NewFake()
	require.NoError(t, fake.EnsureGroup(ctx, "telemetry:dlq", "operators"))

	w := NewWriter(fake, "telemetry:dlq")
	payload, err := json.Marshal(map[string]interface{}{"prompt_length": "not-a-number"})
	require.NoError(t, err)

	_, err = w.Write(ctx, Record{
		EventID:           "e1",
		Platform:          "claude-code",
		ExternalSessionID: "s-1",
		Payload:           payload,
		Stage:             StageFastPath,
		ErrorKind:         pipelineerr.KindSchema,
		ErrorMessage:      "prompt_length must be numeric",
		FailedAt:          time.Now(),
	})
	require.NoError(t, err)

	r := NewReader(fake, "telemetry:dlq")
	got, err := r.Recent(ctx, "operators", "drain-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].EventID)
	require.Equal(t, StageFastPath, got[0].Stage)
	require.Equal(t, pipelineerr.KindSchema, got[0].ErrorKind)
}

func TestWriteNeverTrims(t *testing.T) {
	ctx := context.Background()
	fake := streams.NewFake()
	w := NewWriter(fake, "telemetry:dlq")
	for i := 0; i < 10; i++ {
		_, err := w.Write(ctx, Record{EventID: "e", Stage: StageFastPath, FailedAt: time.Now()})
		require.NoError(t, err)
	}
	require.Equal(t, 10, fake.Len("telemetry:dlq"))
}
