package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

func TestContainerEnv(t *testing.T) {
	c := &Client{
		logger: logger.NewNop(),
		config: config.DockerConfig{
			ContainerPort: 3847,
			Env: map[string]string{
				"GNUNAE_HOST_AGENT_COMMAND": "codex exec -",
				"GNUNAE_HOST_BROWSER_MODE":  "external",
			},
		},
	}

	assert.Equal(t, []string{
		"GNUNAE_HOST_AGENT_COMMAND=codex exec -",
		"GNUNAE_HOST_BROWSER_MODE=external",
		"GNUNAE_HOST_PORT=3847",
	}, c.containerEnv())
}

func TestNewClientWithoutDaemon(t *testing.T) {
	c, err := NewClient(config.DockerConfig{Host: "tcp://127.0.0.1:1", Image: "gnunae/host:test"}, logger.NewNop())
	if assert.NoError(t, err) {
		assert.NoError(t, c.Close())
	}
}
