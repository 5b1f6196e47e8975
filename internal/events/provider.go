package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
)

// Bus kinds reported by Open.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

// Bus is the event bus selected from configuration.
type Bus struct {
	bus.EventBus
	Kind string
}

// Open selects the event bus. An empty NATS URL keeps task activity inside
// this process; otherwise it is shared with every controller on the server.
func Open(cfg *config.Config, log *logger.Logger) (*Bus, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		log.Info("using in-process event bus")
		return &Bus{EventBus: bus.NewMemoryEventBus(log), Kind: KindMemory}, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	return &Bus{EventBus: natsBus, Kind: KindNATS}, nil
}
