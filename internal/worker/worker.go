package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/rabbitmq"

	"farmscheduler/internal/models"
)

// TokenPruner removes device tokens the push gateway rejected.
type TokenPruner interface {
	ClearDeviceTokens(ctx context.Context, tokens []string) error
}

// ReceiptSource delivers gateway receipts to a handler.
type ReceiptSource interface {
	StartReceiptConsumer(ctx context.Context, handler rabbitmq.MessageHandler) error
}

// ReceiptProcessor applies push gateway receipts. Invalid tokens are cleared so
// the next dispatch skips them.
type ReceiptProcessor struct {
	tokens TokenPruner
	log    zerolog.Logger
}

func NewReceiptProcessor(tokens TokenPruner, logger zerolog.Logger) *ReceiptProcessor {
	return &ReceiptProcessor{
		tokens: tokens,
		log:    logger.With().Str("component", "receipt-processor").Logger(),
	}
}

func (p *ReceiptProcessor) Start(ctx context.Context, source ReceiptSource) error {
	if err := source.StartReceiptConsumer(ctx, p.HandleMessage); err != nil {
		return fmt.Errorf("failed to start receipt consumer: %w", err)
	}
	p.log.Info().Msg("Receipt processor started")
	return nil
}

// HandleMessage returns an error only for failures worth a redelivery.
func (p *ReceiptProcessor) HandleMessage(ctx context.Context, delivery amqp091.Delivery) error {
	var receipt models.PushReceipt
	if err := json.Unmarshal(delivery.Body, &receipt); err != nil {
		// A malformed receipt will never parse; drop it instead of requeueing forever.
		p.log.Warn().Err(err).Msg("Dropping malformed push receipt")
		return nil
	}

	switch receipt.Status {
	case models.ReceiptInvalidToken:
		if receipt.Token == "" {
			return nil
		}
		if err := p.tokens.ClearDeviceTokens(ctx, []string{receipt.Token}); err != nil {
			p.log.Error().Err(err).
				Str("dispatch_id", receipt.DispatchID).
				Int64("user_id", receipt.UserID).
				Msg("Failed to clear invalid device token")
			return err
		}
		p.log.Info().
			Str("dispatch_id", receipt.DispatchID).
			Int64("user_id", receipt.UserID).
			Msg("Cleared invalid device token")
	case models.ReceiptFailed:
		p.log.Warn().
			Str("dispatch_id", receipt.DispatchID).
			Int64("user_id", receipt.UserID).
			Str("error", receipt.Error).
			Msg("Push delivery failed")
	default:
		p.log.Debug().
			Str("dispatch_id", receipt.DispatchID).
			Int64("user_id", receipt.UserID).
			Str("status", string(receipt.Status)).
			Msg("Push receipt")
	}
	return nil
}
