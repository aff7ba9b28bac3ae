package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/pkg/types"
)

func TestPoolPolicyDefaults(t *testing.T) {
	policy := poolPolicy(types.PoolConfig{})
	assert.Equal(t, pool.DefaultPolicy(), policy)
}

func TestPoolPolicyFromConfig(t *testing.T) {
	policy := poolPolicy(types.PoolConfig{
		Capacity:        3,
		IdleTimeoutMs:   60_000,
		MaxLifetimeMs:   3_600_000,
		ReapIntervalMs:  5_000,
		QueueDepth:      4,
		ShutdownGraceMs: 2_000,
	})

	assert.Equal(t, 3, policy.Capacity)
	assert.Equal(t, time.Minute, policy.IdleTimeout)
	assert.Equal(t, time.Hour, policy.MaxLifetime)
	assert.Equal(t, 5*time.Second, policy.ReapInterval)
	assert.Equal(t, 4, policy.QueueDepth)
	assert.Equal(t, 2*time.Second, policy.ShutdownGrace)
}
