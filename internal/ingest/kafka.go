package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"newsline/internal/config"
	"newsline/internal/model"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFetcher drains JSON news messages from a topic each cycle. It stops
// once no message arrives within the idle timeout or the per-cycle cap is
// reached. Offsets are committed by Ack after the cycle has persisted its
// batch; until then the fetched messages stay pending and are decoded again
// by the next Fetch.
type KafkaFetcher struct {
	source      string
	idle        time.Duration
	maxMessages int
	loc         *time.Location
	logger      *slog.Logger

	mu        sync.Mutex
	reader    messageReader
	newReader func() messageReader
	pending   []kafka.Message
}

func NewKafkaFetcher(src config.SourceConfig, kc config.KafkaConfig, loc *time.Location, logger *slog.Logger) *KafkaFetcher {
	groupID := kc.GroupID
	if groupID == "" {
		groupID = "newsline-" + src.ID
	}
	if logger != nil {
		logger.Info("kafka source configured", "source", src.ID, "brokers", kc.Brokers, "topic", src.Topic, "group_id", groupID)
	}
	return &KafkaFetcher{
		source:      src.ID,
		idle:        kc.IdleTimeout,
		maxMessages: kc.MaxMessages,
		loc:         loc,
		logger:      logger,
		newReader: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  kc.Brokers,
				Topic:    src.Topic,
				GroupID:  groupID,
				MinBytes: 1e3,
				MaxBytes: 10e6,
			})
		},
	}
}

func (k *KafkaFetcher) Fetch(ctx context.Context) ([]model.CandidateItem, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		k.reader = k.newReader()
	}
	idle := k.idle
	if idle <= 0 {
		idle = 3 * time.Second
	}
	redelivered := len(k.pending)
	readErrors := 0
	for k.maxMessages <= 0 || len(k.pending) < k.maxMessages {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := k.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			readErrors++
			if k.logger != nil {
				k.logger.Warn("kafka read error", "source", k.source, "error", err)
			}
			if readErrors >= 3 {
				if len(k.pending) == 0 {
					return nil, err
				}
				break
			}
			if !BackoffSleep(ctx, 200*time.Millisecond) {
				return nil, ctx.Err()
			}
			continue
		}
		k.pending = append(k.pending, m)
	}

	var items []model.CandidateItem
	rejected := 0
	for _, m := range k.pending {
		decoded, failed, err := DecodeItems(m.Value, k.source, k.loc)
		if err != nil {
			rejected++
			continue
		}
		rejected += failed
		items = append(items, decoded...)
	}
	if k.logger != nil {
		k.logger.Debug("kafka drained", "source", k.source, "messages", len(k.pending), "redelivered", redelivered, "items", len(items), "rejected", rejected)
	}
	return items, nil
}

// Ack commits the offsets of every message returned since the last Ack.
func (k *KafkaFetcher) Ack(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pending) == 0 {
		return nil
	}
	if k.reader == nil {
		return errors.New("kafka reader closed before commit")
	}
	if err := k.reader.CommitMessages(ctx, k.pending...); err != nil {
		return err
	}
	k.pending = nil
	return nil
}

func (k *KafkaFetcher) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		return nil
	}
	err := k.reader.Close()
	k.reader = nil
	// the group redelivers uncommitted offsets to the next reader
	k.pending = nil
	return err
}
