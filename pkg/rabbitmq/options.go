package rabbitmq

import "time"

type Option func(*RabbitMQ)

func ConnAttempts(attempts int) Option {
	return func(r *RabbitMQ) {
		r.connAttempts = attempts
	}
}

func ConnTimeout(timeout time.Duration) Option {
	return func(r *RabbitMQ) {
		r.connTimeout = timeout
	}
}
