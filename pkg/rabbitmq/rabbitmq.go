package rabbitmq

import (
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	_defaultConnAttempts = 10
	_defaultConnTimeout  = 5 * time.Second
)

type RabbitMQ struct {
	connAttempts int
	connTimeout  time.Duration

	Conn *amqp.Connection
}

func New(url string, opts ...Option) (*RabbitMQ, error) {
	rmq := &RabbitMQ{
		connAttempts: _defaultConnAttempts,
		connTimeout:  _defaultConnTimeout,
	}

	for _, opt := range opts {
		opt(rmq)
	}

	var err error
	for rmq.connAttempts > 0 {
		rmq.Conn, err = amqp.Dial(url)
		if err == nil {
			break
		}

		log.Printf("RabbitMQ is trying to connect, attempts left: %d", rmq.connAttempts)

		time.Sleep(rmq.connTimeout)

		rmq.connAttempts--
	}

	if err != nil {
		return nil, fmt.Errorf("rabbitmq - New - connAttempts == 0: %w", err)
	}

	return rmq, nil
}

// Channel opens a new channel on the shared connection.
func (r *RabbitMQ) Channel() (*amqp.Channel, error) {
	ch, err := r.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq - Channel - r.Conn.Channel: %w", err)
	}

	return ch, nil
}

func (r *RabbitMQ) Close() error {
	if r.Conn != nil && !r.Conn.IsClosed() {
		return r.Conn.Close()
	}

	return nil
}
