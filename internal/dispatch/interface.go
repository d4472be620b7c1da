package dispatch

import (
	"context"
	"time"

	"github.com/psantana5/procctl/internal/broker"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks github.com/psantana5/procctl/internal/dispatch Publisher

// Publisher sends a reply to the queue named by replyTo
type Publisher interface {
	Publish(ctx context.Context, replyTo, correlationID string, headers map[string]interface{}, body []byte) error
}

// Connection is a live broker session
type Connection interface {
	Publisher
	Consume(ctx context.Context) (<-chan broker.Message, error)
	Close() error
}

// Dialer opens a broker session
type Dialer func(ctx context.Context) (Connection, error)

// Recorder receives per-command measurements
type Recorder interface {
	CommandExecuted(domain, instruction, outcome string, duration time.Duration)
	MessageDropped(reason string)
	ReplyPublished(err error)
	SetConsuming(consuming bool)
}

type nopRecorder struct{}

func (nopRecorder) CommandExecuted(string, string, string, time.Duration) {}
func (nopRecorder) MessageDropped(string)                                 {}
func (nopRecorder) ReplyPublished(error)                                  {}
func (nopRecorder) SetConsuming(bool)                                     {}
