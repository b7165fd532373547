// Package queue carries last-used touch events off the read path. A read
// hit enqueues the content id and returns immediately; the consumer applies
// the timestamp update later. Touch failures never affect the reader.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"pixvault/internal/storage"
)

const touchTimeout = 5 * time.Second

// Toucher accepts fire-and-forget touch requests for a content id.
type Toucher interface {
	Touch(cid string)
}

// KafkaToucher publishes touch events to a kafka topic.
type KafkaToucher struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaToucher(writer *kafka.Writer, log *slog.Logger) *KafkaToucher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaToucher{writer: writer, log: log.With("component", "touch-queue")}
}

func (t *KafkaToucher) Touch(cid string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()

		err := t.writer.WriteMessages(ctx, kafka.Message{Value: []byte(cid)})
		if err != nil {
			t.log.Warn("touch publish failed", "cid", cid, "err", err)
		}
	}()
}

// RunTouchConsumer reads touch events and applies them to the variant
// store until ctx is cancelled.
func RunTouchConsumer(ctx context.Context, broker, topic string, store storage.VariantStore, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "touch-consumer")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: "variant-touch-group",
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("touch consume failed", "err", err)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, touchTimeout)
		err = store.TouchVariant(cctx, string(msg.Value), time.Now())
		cancel()
		if err != nil {
			log.Warn("touch apply failed", "cid", string(msg.Value), "err", err)
		}
	}
}

// DirectToucher updates the variant store from a goroutine, for
// deployments without a broker and for tests.
type DirectToucher struct {
	store storage.VariantStore
	log   *slog.Logger
}

func NewDirectToucher(store storage.VariantStore, log *slog.Logger) *DirectToucher {
	if log == nil {
		log = slog.Default()
	}
	return &DirectToucher{store: store, log: log.With("component", "touch-direct")}
}

func (t *DirectToucher) Touch(cid string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()

		if err := t.store.TouchVariant(ctx, cid, time.Now()); err != nil {
			t.log.Warn("touch failed", "cid", cid, "err", err)
		}
	}()
}
