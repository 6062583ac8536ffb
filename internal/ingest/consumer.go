// Package ingest consumes "sample arrived" notifications from Kafka and
// hands each sample to the timing or tracking path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"backend-racetracker/internal/logger"
	"backend-racetracker/internal/store"
	"backend-racetracker/internal/timing"
	"backend-racetracker/internal/tracking"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message announces a newly stored GPS sample.
type Message struct {
	SampleID    int64    `json:"sample_id"`
	SubjectType string   `json:"subject_type"`
	SubjectID   int64    `json:"subject_id"`
	RaceID      int64    `json:"race_id"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type TimingRunner interface {
	Run(ctx context.Context, req timing.Request) (timing.Result, error)
}

type Projector interface {
	ProjectSample(ctx context.Context, req tracking.Request) (tracking.Projection, error)
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type Consumer struct {
	reader     Reader
	timing     TimingRunner
	tracking   Projector
	log        *zap.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(r Reader, t TimingRunner, p Projector, log *zap.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		timing:     t,
		tracking:   p,
		log:        logger.OrNop(log),
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled or the reader is closed. A message is
// committed only after it was handled, so a crash replays it; the engine
// tolerates replays.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if !c.handleWithRetry(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handleWithRetry retries while reference data is unavailable. It returns
// false if ctx ended first.
func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) bool {
	wait := c.backoff
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}
		c.log.Warn("sample processing failed, retrying",
			zap.Int64("offset", msg.Offset), zap.Duration("backoff", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return false
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

// handle returns an error only for failures worth retrying.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil || m.SampleID == 0 {
		c.log.Warn("dropping malformed sample message", zap.Int64("offset", msg.Offset), zap.ByteString("value", msg.Value))
		return nil
	}

	switch m.SubjectType {
	case store.SubjectRunner:
		req := timing.Request{SampleIDs: []int64{m.SampleID}}
		if m.RaceID != 0 {
			req.RaceID = &m.RaceID
		}
		res, err := c.timing.Run(ctx, req)
		if errors.Is(err, timing.ErrReferenceUnavailable) {
			return err
		}
		if err != nil {
			c.log.Error("timing run rejected sample", zap.Int64("sample_id", m.SampleID), zap.Error(err))
			return nil
		}
		c.log.Debug("runner sample processed", zap.Int64("sample_id", m.SampleID), zap.Int("records_created", res.RecordsCreated))
	case store.SubjectMotorcycle:
		if m.Lat == nil || m.Lon == nil {
			c.log.Warn("motorcycle sample without position", zap.Int64("sample_id", m.SampleID))
			return nil
		}
		_, err := c.tracking.ProjectSample(ctx, tracking.Request{
			SampleID:     m.SampleID,
			MotorcycleID: m.SubjectID,
			RaceID:       m.RaceID,
			Lat:          *m.Lat,
			Lon:          *m.Lon,
		})
		if errors.Is(err, tracking.ErrReferenceUnavailable) {
			return err
		}
		if err != nil {
			c.log.Warn("motorcycle sample skipped", zap.Int64("sample_id", m.SampleID), zap.Error(err))
		}
	default:
		c.log.Warn("unknown subject type", zap.String("subject_type", m.SubjectType), zap.Int64("sample_id", m.SampleID))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
