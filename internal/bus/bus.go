// Package bus provides event bus implementations for the analysis pipeline.
package bus

import (
	"fmt"
	"strings"

	"github.com/applsais/financial-coach/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" returns the in-process ChannelBus, "nats" and "amqp" return broker-backed buses.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "amqp":
		return NewAMQPBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", "#", "_", " ", "_")

// routingKey builds the broker subject for a topic and dataset.
// Dataset IDs become a single token so that "<topic>.*" matches every dataset.
func routingKey(topic, datasetID string) string {
	if datasetID == domain.WildcardDataset {
		return topic + ".*"
	}
	return topic + "." + tokenReplacer.Replace(datasetID)
}
