// internal/device/manager_test.go
package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerRejectsDuplicateDeviceID(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	cfg := Config{DeviceID: "dup", Mock: true, PollInterval: 10 * time.Millisecond}
	require.NoError(t, m.StartDevice(ctx, cfg))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(sctx)
	}()

	assert.Error(t, m.StartDevice(ctx, cfg))
}

func TestManagerRejectsIncompleteConfig(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	assert.Error(t, m.StartDevice(ctx, Config{Mock: true}), "missing device_id")
	assert.Error(t, m.StartDevice(ctx, Config{DeviceID: "d1"}), "neither port nor mock")
}

func TestManagerGetUnknownDevice(t *testing.T) {
	m := NewManager(zap.NewNop())

	_, err := m.Get("ghost")
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestManagerSubmitUnknownDevice(t *testing.T) {
	m := NewManager(zap.NewNop())

	_, err := m.Submit(context.Background(), "ghost", NewCommand(OpEnable))
	assert.True(t, IsUnavailable(err), "got %v", err)
}

func TestManagerListSortedByID(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, m.StartDevice(ctx, Config{DeviceID: id, Mock: true, PollInterval: 10 * time.Millisecond}))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(sctx)
	}()

	statuses := m.List()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].DeviceID)
	assert.Equal(t, "bravo", statuses[1].DeviceID)
	assert.Equal(t, "charlie", statuses[2].DeviceID)
}
