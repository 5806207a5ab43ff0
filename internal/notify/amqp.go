package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	logx "campaignq/pkg/logx"

	"github.com/streadway/amqp"
)

type AMQPConfig struct {
	URL string
	// Exchange is a topic exchange. When empty, events go to Queue on the default exchange.
	Exchange string
	Queue    string
}

// publisher is the part of *amqp.Channel the sink uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as JSON to RabbitMQ. The connection is opened
// lazily and re-dialed after a publish error.
type AMQPSink struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  publisher
	dial func(cfg AMQPConfig) (*amqp.Connection, publisher, error)
}

func NewAMQPSink(cfg AMQPConfig, log logx.Logger) (*AMQPSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.Exchange == "" && cfg.Queue == "" {
		cfg.Queue = "campaignq_events"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQPSink{cfg: cfg, log: log, dial: dialAMQP}, nil
}

func dialAMQP(cfg AMQPConfig) (*amqp.Connection, publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pub == nil {
		conn, pub, err := s.dial(s.cfg)
		if err != nil {
			return err
		}
		s.conn, s.pub = conn, pub
	}
	exchange, key := s.cfg.Exchange, s.cfg.Queue
	if exchange != "" {
		key = "campaignq." + string(e.Type)
	}
	err = s.pub.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		s.log.Warn("amqp publish failed, reconnecting on next event", logx.Err(err))
		s.closeLocked()
	}
	return err
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.pub != nil {
		_ = s.pub.Close()
		s.pub = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
