package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

// ProtectedSender wraps a whatsapp.Sender with a CircuitBreaker. When the
// gateway starts failing, the circuit opens and sends fail fast; the
// dispatcher records those as normal transient failures.
type ProtectedSender struct {
	sender  whatsapp.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender whatsapp.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) send(ctx context.Context, do func(context.Context) (*whatsapp.SendResult, error)) (*whatsapp.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: gateway unavailable", ErrCircuitOpen)
	}

	result, err := do(ctx)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// SendText sends a text message through the breaker.
func (p *ProtectedSender) SendText(ctx context.Context, creds whatsapp.Credentials, mobile, text string) (*whatsapp.SendResult, error) {
	return p.send(ctx, func(ctx context.Context) (*whatsapp.SendResult, error) {
		return p.sender.SendText(ctx, creds, mobile, text)
	})
}

// SendImage sends an image message through the breaker.
func (p *ProtectedSender) SendImage(ctx context.Context, creds whatsapp.Credentials, mobile, imageURL, caption string) (*whatsapp.SendResult, error) {
	return p.send(ctx, func(ctx context.Context) (*whatsapp.SendResult, error) {
		return p.sender.SendImage(ctx, creds, mobile, imageURL, caption)
	})
}

// SendDocument sends a document message through the breaker.
func (p *ProtectedSender) SendDocument(ctx context.Context, creds whatsapp.Credentials, mobile, documentURL, caption string) (*whatsapp.SendResult, error) {
	return p.send(ctx, func(ctx context.Context) (*whatsapp.SendResult, error) {
		return p.sender.SendDocument(ctx, creds, mobile, documentURL, caption)
	})
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
