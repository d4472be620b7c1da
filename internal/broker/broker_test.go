package broker

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/procctl/internal/command"
)

func TestQueueArgs(t *testing.T) {
	args := QueueArgs(10 * time.Second)
	assert.Equal(t, int32(10000), args["x-message-ttl"])

	assert.Empty(t, QueueArgs(0))
}

func TestMessageAckWithoutChannel(t *testing.T) {
	msg := NewMessage([]byte(`{}`), "", "")
	assert.NoError(t, msg.Ack())
}

func TestMessageAckCallsChannel(t *testing.T) {
	acked := 0
	msg := Message{ack: func() error { acked++; return nil }}
	require.NoError(t, msg.Ack())
	assert.Equal(t, 1, acked)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "procctl.commands", cfg.Queue)
	assert.Equal(t, 10*time.Second, cfg.MessageTTL)
}

// brokerURL returns a live broker for round-trip tests, or skips
func brokerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PROCCTL_TEST_AMQP_URL")
	if url == "" {
		t.Skip("PROCCTL_TEST_AMQP_URL not set, skipping broker round trip")
	}
	return url
}

func TestRequestReplyRoundTrip(t *testing.T) {
	url := brokerURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Queue = "procctl.test." + time.Now().Format("150405.000000")

	conn, err := Dial(ctx, cfg, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs, err := conn.Consume(ctx)
	require.NoError(t, err)

	go func() {
		for msg := range msgs {
			_ = msg.Ack()
			env, err := command.Decode(msg.Body)
			if err != nil {
				continue
			}
			body, _ := command.Textf("echo %s", env.Instruction).Encode()
			_ = conn.Publish(ctx, msg.ReplyTo, msg.CorrelationID, nil, body)
		}
	}()

	client, err := NewClient(url, cfg.Queue, nil)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Request(ctx, command.Envelope{Domain: command.DomainGameServer, Instruction: "Status"})
	require.NoError(t, err)
	assert.Equal(t, "echo Status", resp.Text)
}

func TestRequestReleasesReplyQueue(t *testing.T) {
	url := brokerURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Queue = "procctl.test." + time.Now().Format("150405.000000")

	conn, err := Dial(ctx, cfg, nil)
	require.NoError(t, err)
	defer conn.Close()
	msgs, err := conn.Consume(ctx)
	require.NoError(t, err)
	go func() {
		for msg := range msgs {
			_ = msg.Ack()
			body, _ := command.Textf("ok").Encode()
			_ = conn.Publish(ctx, msg.ReplyTo, msg.CorrelationID, nil, body)
		}
	}()

	client, err := NewClient(url, cfg.Queue, nil)
	require.NoError(t, err)
	defer client.Close()

	var mu sync.Mutex
	var queues []string
	client.replyQueue = func(name string) {
		mu.Lock()
		queues = append(queues, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Request(ctx, command.Envelope{Domain: command.DomainImageGen, Instruction: "Status"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inspect, err := amqp.Dial(url)
	require.NoError(t, err)
	defer inspect.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queues, 3)
	for _, name := range queues {
		ch, err := inspect.Channel()
		require.NoError(t, err)
		_, err = ch.QueueDeclarePassive(name, false, true, true, false, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr, "reply queue %s still exists", name)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	}
}
