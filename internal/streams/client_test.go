package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeReadAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	require.NoError(t, f.EnsureGroup(ctx, "s", "g"))

	_, err := f.Add(ctx, "s", map[string]interface{}{"k": "v1"}, 0)
	require.NoError(t, err)
	_, err = f.Add(ctx, "s", map[string]interface{}{"k": "v2"}, 0)
	require.NoError(t, err)

	msgs, err := f.ReadGroup(ctx, "s", "g", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	info, err := f.GroupDepth(ctx, "s", "g")
	require.NoError(t, err)
	require.EqualValues(t, 2, info.Pending)

	require.NoError(t, f.Ack(ctx, "s", "g", msgs[0].ID, msgs[1].ID))

	info, err = f.GroupDepth(ctx, "s", "g")
	require.NoError(t, err)
	require.EqualValues(t, 0, info.Pending)
}

func TestFakeClaimReclaimsIdleEntries(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	now := time.Now()
	f.SetClock(func() time.Time { return now })
	require.NoError(t, f.EnsureGroup(ctx, "s", "g"))

	_, err := f.Add(ctx, "s", map[string]interface{}{"k": "v1"}, 0)
	require.NoError(t, err)

	_, err = f.ReadGroup(ctx, "s", "g", "dead-consumer", 10, time.Millisecond)
	require.NoError(t, err)

	// Not idle long enough yet.
	claimed, _, err := f.Claim(ctx, "s", "g", "survivor", 30*time.Second, "0-0", 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	now = now.Add(31 * time.Second)
	f.SetClock(func() time.Time { return now })

	claimed, _, err = f.Claim(ctx, "s", "g", "survivor", 30*time.Second, "0-0", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestFakeAddRespectsMaxLen(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	for i := 0; i < 5; i++ {
		_, err := f.Add(ctx, "s", map[string]interface{}{"i": i}, 3)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.Len("s"))
}
