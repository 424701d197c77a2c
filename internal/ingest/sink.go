package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// LogSink writes each record to the log.
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logrus.WithField("component", "ingest-log-sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, b Batch) error {
	for i, rec := range b.Records {
		s.logger.WithFields(logrus.Fields{
			"profile": b.Profile,
			"file":    b.FileName,
			"index":   i,
			"record":  rec,
		}).Info("Ingested record")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes one message per record, keyed by file name.
type KafkaSink struct {
	client  producer
	topic   string
	timeout time.Duration
	logger  *logrus.Entry
}

type message struct {
	Profile  string         `json:"profile"`
	FileName string         `json:"fileName"`
	Index    int            `json:"index"`
	Record   map[string]any `json:"record"`
}

// NewKafkaSink connects to the brokers and checks they are reachable.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig) (*KafkaSink, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "ingest-kafka-sink",
		"brokers":   cfg.Brokers,
		"topic":     cfg.Topic,
	}).Info("Connected to Kafka")
	return newKafkaSink(client, cfg.Topic, cfg.Timeout), nil
}

func newKafkaSink(client producer, topic string, timeout time.Duration) *KafkaSink {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &KafkaSink{
		client:  client,
		topic:   topic,
		timeout: timeout,
		logger:  logrus.WithField("component", "ingest-kafka-sink"),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish produces the batch synchronously and fails on the first error.
func (s *KafkaSink) Publish(ctx context.Context, b Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(b.Records))
	for i, rec := range b.Records {
		value, err := json.Marshal(message{
			Profile:  string(b.Profile),
			FileName: b.FileName,
			Index:    i,
			Record:   rec,
		})
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(b.FileName),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "profile", Value: []byte(b.Profile)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", s.topic, err)
	}
	s.logger.WithFields(logrus.Fields{
		"topic":   s.topic,
		"file":    b.FileName,
		"records": len(records),
	}).Debug("Produced batch")
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
