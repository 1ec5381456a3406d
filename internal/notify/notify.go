package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ontopilot/ontopilot/internal/workflow"
)

// KafkaNotifierConfig contains configurable parameters for the Kafka notifier.
type KafkaNotifierConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the approval-request topic.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaNotifier publishes approval requests to a Kafka topic, keyed by
// proposal id so requests for the same proposal land on the same partition.
type KafkaNotifier struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaNotifier(cfg KafkaNotifierConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaNotifier{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// ApprovalRequested publishes the request with retries and exponential
// backoff. The caller treats a final error as non-fatal.
func (n *KafkaNotifier) ApprovalRequested(ctx context.Context, req workflow.ApprovalRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(req.ProposalID.String()),
		Value: value,
		Time:  time.Now().UTC(),
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish approval request after %d attempts: %w", n.maxAttempts, lastErr)
}

func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}

// LogNotifier writes approval requests to the process log. Used in
// development when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) ApprovalRequested(_ context.Context, req workflow.ApprovalRequest) error {
	log.Printf("[notify] approval requested: proposal=%s tier=%s score=%.1f reviewers=%v urgent=%v",
		req.ProposalID, req.RiskTier, req.RiskScore, req.Reviewers, req.Urgent)
	return nil
}
