package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"collection-otp-service/internal/client"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

// -------------------- KAFKA --------------------

// KafkaSink publishes each event keyed by payment id so a payment's events
// stay ordered within its partition.
type KafkaSink struct {
	producer client.MessageProducer
	topic    string
}

func NewKafkaSink(producer client.MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.EventID, err)
		}
		headers := map[string]string{"event_type": ev.EventType}
		if err := k.producer.ProduceMessage(ctx, k.topic, []byte(ev.PaymentID), payload, headers); err != nil {
			return err
		}
	}
	return nil
}

// -------------------- CLICKHOUSE --------------------

// BatchWriter is the part of client.ClickHouseClient the sink needs.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	conn  BatchWriter
	table string
}

func NewClickHouseSink(conn BatchWriter, table string) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table}
}

func (c *ClickHouseSink) Name() string { return "clickhouse" }

func (c *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return c.conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            event_id String,
            event_bucket UInt16,
            event_date Date,
            event_time DateTime64(3, 'UTC'),
            event_type LowCardinality(String),
            payment_id String,
            tenant_id String,
            retailer_id String,
            outcome LowCardinality(String),
            attempts UInt32,
            consecutive_failures UInt32,
            cooldown_until Nullable(DateTime64(3, 'UTC')),
            breach_detected Bool,
            details String
        ) ENGINE = MergeTree
        PARTITION BY toYYYYMM(event_date)
        ORDER BY (tenant_id, event_date, payment_id, event_time)`, c.table))
}

func (c *ClickHouseSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.EventID, uint16(ev.EventBucket), ev.EventTime, ev.EventTime, ev.EventType,
			ev.PaymentID, ev.TenantID, ev.RetailerID, ev.Outcome,
			uint32(ev.Attempts), uint32(ev.ConsecutiveFailures), ev.CooldownUntil,
			ev.BreachDetected, ev.Details,
		})
	}
	return c.conn.BatchInsert(ctx, "INSERT INTO "+c.table, rows)
}

// -------------------- ELASTICSEARCH --------------------

// DocumentIndexer is the part of client.ESClient the sink needs.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events into a daily index for investigation.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (e *ElasticsearchSink) Name() string { return "elasticsearch" }

func (e *ElasticsearchSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			return e.indexer.IndexDocument(gctx, e.index+"-"+ev.EventDate, ev.EventID, ev)
		})
	}
	return g.Wait()
}

// -------------------- LOG --------------------

// LogSink writes breach and storage failure events to the service log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	for _, ev := range events {
		switch ev.EventType {
		case model.EventBreachDetected, model.EventStorageFailure:
			util.Warn("Security event",
				util.String("event_type", ev.EventType),
				util.String("payment_id", ev.PaymentID),
				util.String("retailer_id", ev.RetailerID),
				util.Int("attempts", ev.Attempts))
		}
	}
	return nil
}
