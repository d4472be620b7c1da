package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/pkg/tracing"
)

// Client issues commands to a running procctl and waits for the reply
type Client struct {
	queue  string
	conn   *amqp.Connection
	ch     *amqp.Channel
	tracer *tracing.Provider

	// replyQueue, when set, is told the name of each reply queue
	replyQueue func(name string)
}

// NewClient connects to the broker. tracer may be nil.
func NewClient(url, queue string, tracer *tracing.Provider) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if tracer == nil {
		tracer = tracing.NewNoop("procctl-client")
	}
	return &Client{queue: queue, conn: conn, ch: ch, tracer: tracer}, nil
}

// Send publishes env without asking for a reply
func (c *Client) Send(ctx context.Context, env command.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	return c.publish(ctx, body, "", "")
}

// Request publishes env and waits for the correlated reply, up to ctx.
// Replies carrying another correlation id are ignored.
func (c *Client) Request(ctx context.Context, env command.Envelope) (command.Response, error) {
	body, err := env.Encode()
	if err != nil {
		return command.Response{}, err
	}

	// server-named, exclusive, auto-delete
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return command.Response{}, fmt.Errorf("failed to declare reply queue: %w", err)
	}
	if c.replyQueue != nil {
		c.replyQueue(q.Name)
	}

	correlationID := uuid.NewString()
	tag := "procctl-reply-" + correlationID
	replies, err := c.ch.ConsumeWithContext(ctx, q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return command.Response{}, fmt.Errorf("failed to consume reply queue: %w", err)
	}
	// cancelling the only consumer also deletes the auto-delete queue
	defer c.ch.Cancel(tag, false)

	if err := c.publish(ctx, body, q.Name, correlationID); err != nil {
		return command.Response{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return command.Response{}, fmt.Errorf("no reply for %s/%s: %w", env.Domain, env.Instruction, ctx.Err())
		case d, ok := <-replies:
			if !ok {
				return command.Response{}, fmt.Errorf("reply channel closed before answer arrived")
			}
			if d.CorrelationId != correlationID {
				continue
			}
			return command.DecodeResponse(d.Body)
		}
	}
}

func (c *Client) publish(ctx context.Context, body []byte, replyTo, correlationID string) error {
	ctx, span := c.tracer.StartSpan(ctx, "procctl.send")
	defer span.End()

	headers := map[string]interface{}{}
	c.tracer.Inject(ctx, headers)

	err := c.ch.PublishWithContext(ctx, "", c.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		ReplyTo:       replyTo,
		CorrelationId: correlationID,
		Headers:       amqp.Table(headers),
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// Close releases the connection
func (c *Client) Close() error {
	c.ch.Close()
	return c.conn.Close()
}
