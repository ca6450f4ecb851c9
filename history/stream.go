package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"sprayd/config"
	"sprayd/logging"
)

// streamRecord is the JSON document appended per finished spray.
type streamRecord struct {
	ID                 int64   `json:"id"`
	SessionID          int64   `json:"session_id,omitempty"`
	SprayIndex         int     `json:"spray_index,omitempty"`
	PatternName        string  `json:"pattern_name,omitempty"`
	PowderLot          string  `json:"powder_lot,omitempty"`
	StartedAt          string  `json:"started_at"`
	EndedAt            string  `json:"ended_at"`
	MainFlow           float64 `json:"main_flow"`
	FeederFlow         float64 `json:"feeder_flow"`
	FeederSpeed        string  `json:"feeder_speed,omitempty"`
	ChamberPressure    float64 `json:"chamber_pressure"`
	NozzlePressure     float64 `json:"nozzle_pressure"`
	ChamberPressureEnd float64 `json:"chamber_pressure_end"`
	NozzlePressureEnd  float64 `json:"nozzle_pressure_end"`
	Error              string  `json:"error,omitempty"`
}

// Stream appends finished spray events to a Kafka topic for plant-level
// consumers. Local SQLite remains the source of truth; the stream is
// best-effort fan-out.
type Stream struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewStream builds a stream from configuration.
func NewStream(cfg config.HistoryKafkaConfig) *Stream {
	topic := cfg.Topic
	if topic == "" {
		topic = "spray-events"
	}
	return &Stream{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
		log: logging.Component("history-stream"),
	}
}

// Publish appends one finished spray event.
func (s *Stream) Publish(ctx context.Context, ev SprayEvent) error {
	rec := streamRecord{
		ID:                 ev.ID,
		SessionID:          ev.SessionID,
		SprayIndex:         ev.SprayIndex,
		PatternName:        ev.PatternName,
		PowderLot:          ev.PowderLot,
		StartedAt:          ev.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:            ev.EndedAt.UTC().Format(time.RFC3339Nano),
		MainFlow:           ev.MainFlow,
		FeederFlow:         ev.FeederFlow,
		FeederSpeed:        ev.FeederSpeed,
		ChamberPressure:    ev.ChamberPressure,
		NozzlePressure:     ev.NozzlePressure,
		ChamberPressureEnd: ev.ChamberPressureEnd,
		NozzlePressureEnd:  ev.NozzlePressureEnd,
		Error:              ev.Error,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spray event %d: %w", ev.ID, err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.ID, 10)),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("stream spray event %d: %w", ev.ID, err)
	}
	s.log.Debug().Int64("event", ev.ID).Msg("spray event streamed")
	return nil
}

// Close flushes and closes the writer.
func (s *Stream) Close() error { return s.writer.Close() }
