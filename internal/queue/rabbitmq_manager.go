package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"

	"farmscheduler/internal/models"
)

const (
	outboundQueue      = "push.outbound"
	outboundRoutingKey = "outbound"
	receiptsQueue      = "push.receipts"
	receiptsRoutingKey = "receipts"
)

// Manager owns the RabbitMQ connection shared by the push publisher and the
// receipt consumer.
type Manager struct {
	client    *rabbitmq.RabbitClient
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	exchange  string
	log       zerolog.Logger
}

func NewManager(url, exchange string, logger zerolog.Logger) (*Manager, error) {
	config := rabbitmq.ClientConfig{
		URL:       url,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if err := setupExchangeAndQueues(client, exchange); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	publisher := rabbitmq.NewPublisher(client, exchange, "application/json")

	logger.Info().Str("exchange", exchange).Msg("RabbitMQ manager initialized")
	return &Manager{
		client:    client,
		publisher: publisher,
		exchange:  exchange,
		log:       logger,
	}, nil
}

func setupExchangeAndQueues(client *rabbitmq.RabbitClient, exchange string) error {
	if err := client.DeclareExchange(exchange, "direct", true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Push jobs older than a day are useless to the farmer; let the broker drop them.
	outboundArgs := map[string]interface{}{
		"x-message-ttl": int64((24 * time.Hour) / time.Millisecond),
	}
	if err := client.DeclareQueue(outboundQueue, exchange, outboundRoutingKey, true, false, true, outboundArgs); err != nil {
		return fmt.Errorf("failed to declare outbound queue: %w", err)
	}

	if err := client.DeclareQueue(receiptsQueue, exchange, receiptsRoutingKey, true, false, true, nil); err != nil {
		return fmt.Errorf("failed to declare receipts queue: %w", err)
	}
	return nil
}

// PublishPush hands a single device push to the gateway.
func (m *Manager) PublishPush(ctx context.Context, job models.PushJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal push job: %w", err)
	}

	if err := m.publisher.Publish(ctx, body, outboundRoutingKey); err != nil {
		return fmt.Errorf("failed to publish push job: %w", err)
	}

	m.log.Debug().
		Str("dispatch_id", job.DispatchID).
		Int64("user_id", job.UserID).
		Msg("Published push job")
	return nil
}

// StartReceiptConsumer consumes gateway receipts in the background until ctx ends.
func (m *Manager) StartReceiptConsumer(ctx context.Context, handler rabbitmq.MessageHandler) error {
	config := rabbitmq.ConsumerConfig{
		Queue:         receiptsQueue,
		ConsumerTag:   "farm-scheduler-receipts",
		AutoAck:       false,
		Workers:       2,
		PrefetchCount: 20,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  true,
		},
		Args: nil,
	}

	m.consumer = rabbitmq.NewConsumer(m.client, config, handler)

	go func() {
		if err := m.consumer.Start(ctx); err != nil {
			m.log.Error().Err(err).Msg("Receipt consumer stopped with error")
		}
	}()

	m.log.Info().Str("queue", receiptsQueue).Msg("Receipt consumer started")
	return nil
}

func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
