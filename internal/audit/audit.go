// Package audit records who touched which case document.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type EventType string

const (
	FileUploaded   EventType = "file_uploaded"
	FileDownloaded EventType = "file_downloaded"
	FileDeleted    EventType = "file_deleted"
	CasePurged     EventType = "case_purged"
	CaseArchived   EventType = "case_archived"
)

type Event struct {
	ID      string            `json:"id"`
	Type    EventType         `json:"type"`
	CaseID  string            `json:"case_id"`
	FileID  string            `json:"file_id,omitempty"`
	User    string            `json:"user,omitempty"`
	Time    time.Time         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

// Sink receives audit events. Append must not block the request path for
// long and never fails the caller; sinks log their own errors.
type Sink interface {
	Append(ctx context.Context, e Event)
}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Append(_ context.Context, e Event) {
	e = stamp(e)
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("case_id", e.CaseID),
		zap.String("file_id", e.FileID),
		zap.String("user", e.User),
		zap.Time("time", e.Time),
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	s.logger.Info("audit", fields...)
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on "{subject}.{type}".
type NATSSink struct {
	conn    publisher
	subject string
	logger  *zap.Logger
	close   func()
}

// NewNATSSink connects to url and keeps reconnecting in the background.
func NewNATSSink(url, subject string, logger *zap.Logger) (*NATSSink, error) {
	logger = logger.Named("audit")
	nc, err := nats.Connect(url,
		nats.Name("casevault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: nc, subject: subject, logger: logger, close: nc.Close}, nil
}

func (s *NATSSink) Append(_ context.Context, e Event) {
	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode audit event", zap.Error(err))
		return
	}
	subject := s.subject + "." + string(e.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("publish audit event failed",
			zap.String("subject", subject),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
	}
}

func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e Event) {
	e = stamp(e)
	for _, s := range m {
		s.Append(ctx, e)
	}
}
