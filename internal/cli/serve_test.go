package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/i2y/toolgate/configs"
)

func TestOriginClients(t *testing.T) {
	invoke, fetch := originClients(&configs.Config{OriginTimeout: 5 * time.Second})

	// Per-deployment origin timeouts may exceed the global one.
	assert.Zero(t, invoke.Timeout)
	assert.Equal(t, 5*time.Second, fetch.Timeout)
}
