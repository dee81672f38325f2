package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-gatepass/internal/logger"
	"ms-gatepass/internal/models"
)

// EventPublisher pushes audit events to listeners (Kafka). Emission is
// fire-and-forget; only the durable write is load-bearing.
type EventPublisher interface {
	Publish(topic, key string, value []byte) error
}

// Recorder writes a record durably and then fans it out to listeners. The
// durable write happens before Record returns; the emit happens in the
// background and failures are only logged.
type Recorder struct {
	DB        *DB
	Publisher EventPublisher
	Topic     string
	Logger    *logger.Logger
}

func NewRecorder(db *DB, publisher EventPublisher, topic string, log *logger.Logger) *Recorder {
	return &Recorder{DB: db, Publisher: publisher, Topic: topic, Logger: log}
}

func (r *Recorder) Record(ctx context.Context, record *models.AuditRecord) error {
	if err := r.DB.Insert(ctx, record); err != nil {
		return err
	}
	r.Logger.LogAudit(record.ActionType, record.UID, record.Result)

	if r.Publisher == nil {
		return nil
	}
	go func(rec models.AuditRecord) {
		payload, err := json.Marshal(rec)
		if err != nil {
			r.Logger.Error("AUDIT", fmt.Sprintf("failed to marshal audit event: %v", err))
			return
		}
		if err := r.Publisher.Publish(r.Topic, rec.UID, payload); err != nil {
			r.Logger.LogKafka("PUBLISH", r.Topic, fmt.Sprintf("audit event emit failed: %v", err))
		}
	}(*record)
	return nil
}
