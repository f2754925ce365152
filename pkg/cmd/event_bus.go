package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/relay/pkg/channels/gochannel"
	"github.com/dukex/relay/pkg/channels/kafka"
	"github.com/dukex/relay/pkg/eventbus"
)

// EventBus holds the Watermill pub/sub selected by the event-bus flag.
type EventBus struct {
	Publisher  *eventbus.WatermillPublisher
	Subscriber message.Subscriber
}

func (b *EventBus) Close() error {
	if b == nil {
		return nil
	}

	var errs []error

	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}

	if b.Subscriber != nil {
		errs = append(errs, b.Subscriber.Close())
	}

	return errors.Join(errs...)
}

// NewEventBus builds the outbox event bus. Provider "none" or "" disables
// publishing and returns nil. The subscriber is only created for services that
// consume events, so serviceName may be empty for publish-only processes.
func NewEventBus(provider, brokers, topic, serviceName string, logger *slog.Logger) (*EventBus, error) {
	wlogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "none":
		return nil, nil //nolint:nilnil // no event bus configured
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return &EventBus{Publisher: eventbus.NewWatermillPublisher(pub, topic, logger), Subscriber: sub}, nil
	case "kafka":
		brokerList := kafka.ParseBrokers(brokers)

		pub, err := kafka.CreatePublisher(wlogger, brokerList)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}

		bus := &EventBus{Publisher: eventbus.NewWatermillPublisher(pub, topic, logger)}

		if serviceName != "" {
			sub, err := kafka.CreateSubscriber(wlogger, brokerList, serviceName)
			if err != nil {
				_ = pub.Close()

				return nil, fmt.Errorf("failed to create Kafka subscriber: %w", err)
			}

			bus.Subscriber = sub
		}

		return bus, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
