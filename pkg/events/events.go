// Package events publishes resolved transfers to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledger-sync/pkg/logging"
	"ledger-sync/pkg/transfer"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TypeTransferResolved is the event type header of every published message.
const TypeTransferResolved = "transfer.resolved"

// TransferResolved is the JSON payload published once per resolved intent.
type TransferResolved struct {
	Type        string    `json:"type"`
	IntentID    string    `json:"intent_id"`
	State       string    `json:"state"`
	Source      string    `json:"source"`
	Dest        string    `json:"dest"`
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	UserID      string    `json:"user_id"`
	SourceTxID  string    `json:"source_tx_id,omitempty"`
	DestTxID    string    `json:"dest_tx_id,omitempty"`
	SourceError string    `json:"source_error,omitempty"`
	DestError   string    `json:"dest_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewTransferResolved builds the event for out.
func NewTransferResolved(out *transfer.Outcome) TransferResolved {
	ev := TransferResolved{
		Type:        TypeTransferResolved,
		IntentID:    out.Intent.ID,
		State:       out.State.String(),
		Source:      string(out.Intent.Source),
		Dest:        string(out.Intent.Dest),
		Kind:        string(out.Intent.Kind),
		Amount:      out.Intent.Amount.String(),
		UserID:      out.Intent.UserID,
		SourceError: out.Source.Error,
		DestError:   out.Dest.Error,
		StartedAt:   out.StartedAt,
		CompletedAt: out.CompletedAt,
	}
	if out.Source.Recorded != nil {
		ev.SourceTxID = out.Source.Recorded.ID
	}
	if out.Dest.Recorded != nil {
		ev.DestTxID = out.Dest.Recorded.ID
	}
	return ev
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka publisher.
type Config struct {
	Brokers []string

	// Topic receives every event (default: "transfer_resolved")
	Topic string

	// WriteTimeout bounds one publish (default: 5s)
	WriteTimeout time.Duration

	// BatchTimeout is how long the writer waits to fill a batch (default: 10ms)
	BatchTimeout time.Duration

	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "transfer_resolved"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	c.Logger = logging.OrGlobal(c.Logger)
	return c
}

// KafkaPublisher implements transfer.Publisher on a kafka-go writer.
// Messages are keyed by intent ID so every event of one intent lands on the
// same partition.
type KafkaPublisher struct {
	writer messageWriter
	config Config
	logger *logging.Logger
}

// NewKafkaPublisher creates a publisher for config.Brokers.
func NewKafkaPublisher(config Config) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	config = config.withDefaults()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return newPublisher(w, config), nil
}

func newPublisher(w messageWriter, config Config) *KafkaPublisher {
	config = config.withDefaults()
	return &KafkaPublisher{
		writer: w,
		config: config,
		logger: config.Logger.Named("events"),
	}
}

// Publish writes one TransferResolved event for out.
func (p *KafkaPublisher) Publish(ctx context.Context, out *transfer.Outcome) error {
	if out == nil {
		return nil
	}

	ev := NewTransferResolved(out)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.WriteTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.IntentID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
		Time: ev.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.IntentID, p.config.Topic, err)
	}

	p.logger.Debug("event published",
		zap.String("intent_id", ev.IntentID),
		zap.String("state", ev.State),
		zap.String("topic", p.config.Topic),
	)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
