package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"
)

// ConsumerConfig holds the NSQ settings for the ingestion consumer. When
// NSQD is set the consumer connects straight to that nsqd instead of going
// through lookupd.
type ConsumerConfig struct {
	Topic       string
	Channel     string
	Lookupd     string
	NSQD        string
	Lease       time.Duration
	MaxAttempts uint16
}

// StartIngestConsumer connects handler to NSQ. Jobs are processed one at a
// time and the message timeout doubles as the job lease.
func StartIngestConsumer(cfg ConsumerConfig, handler *IngestConsumer) (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = 1
	nsqCfg.MsgTimeout = cfg.Lease
	if cfg.MaxAttempts > 0 {
		nsqCfg.MaxAttempts = cfg.MaxAttempts
	}

	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.SetLogger(nsqLogger{}, nsq.LogLevelWarning)

	// The handler itself is passed so go-nsq finds LogFailedMessage.
	consumer.AddHandler(handler)

	if cfg.NSQD != "" {
		err = consumer.ConnectToNSQD(cfg.NSQD)
	} else {
		err = consumer.ConnectToNSQLookupd(cfg.Lookupd)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsq: %w", err)
	}
	slog.Info("NSQ ingest consumer connected", "topic", cfg.Topic, "channel", cfg.Channel, "max_attempts", nsqCfg.MaxAttempts)
	return consumer, nil
}

// nsqLogger routes go-nsq's internal logging through slog.
type nsqLogger struct{}

func (nsqLogger) Output(_ int, s string) error {
	slog.Warn("nsq", "message", s)
	return nil
}
