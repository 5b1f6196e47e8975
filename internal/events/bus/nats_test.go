package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

func TestQualifySubject(t *testing.T) {
	assert.Equal(t, "gnunae.task.completed.t1", qualifySubject("gnunae", "task.completed.t1"))
	assert.Equal(t, "gnunae.task.>", qualifySubject("gnunae.", "task.>"))
	assert.Equal(t, "host.lost.h1", qualifySubject("", "host.lost.h1"))
}

func TestNewNATSEventBus_Unreachable(t *testing.T) {
	_, err := NewNATSEventBus(config.NATSConfig{URL: "nats://127.0.0.1:1", ClientID: "test"}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
