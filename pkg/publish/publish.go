// Package publish republishes gateway stream frames to an AMQP fanout
// exchange so other consumers can tap the same feed.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var log = logging.MustGetLogger("publish")

// DefaultExchange is the fanout exchange frames are published to.
const DefaultExchange = "papergw.frames"

// Publisher sends one encoded frame for the named stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, frame []byte) error
	Close() error
}

// Nop drops every frame. Used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, []byte) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes frames with the stream name as routing key.
type AMQP struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex // amqp channels are not safe for concurrent publish
	ch channel
}

// Dial connects to url and declares exchange as a non-durable fanout.
func Dial(url, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"fanout", // type
		false,    // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	log.Infof("publishing frames to exchange %s", exchange)
	return &AMQP{exchange: exchange, conn: conn, ch: ch}, nil
}

// Publish sends frame as a JSON message.
func (p *AMQP) Publish(ctx context.Context, stream string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.PublishWithContext(ctx,
		p.exchange,
		stream,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Type:        stream,
			Body:        frame,
		})
	if err != nil {
		return fmt.Errorf("publish %s frame: %w", stream, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		firstErr = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
