package producer

import "time"

type Option func(*Producer)

func ConnAttempts(attempts int) Option {
	return func(p *Producer) {
		p.connAttempts = attempts
	}
}

func ConnTimeout(timeout time.Duration) Option {
	return func(p *Producer) {
		p.connTimeout = timeout
	}
}

func BatchTimeout(timeout time.Duration) Option {
	return func(p *Producer) {
		p.batchTimeout = timeout
	}
}

// AutoCreateTopics lets the broker create the topic and its dead-letter twin on first write.
func AutoCreateTopics(enabled bool) Option {
	return func(p *Producer) {
		p.autoCreate = enabled
	}
}
