// Worker ships telemetry events from the courier's Kafka topic into Loki.
// Telemetry is best-effort end to end: a record that fails to push is logged
// and dropped, and offsets commit regardless so a dead Loki never wedges the
// consumer group.
//
// Requires KAFKA_BROKERS and LOKI_URL. TELEMETRY_KAFKA_TOPIC and
// KAFKA_GROUP_ID fall back to the courier's defaults. GRPC_ADDR is required
// by config but unused here (set it to :0).
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"messenger-courier/internal/config"
	"messenger-courier/internal/telemetry/loki"
)

const pushTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	topic := cfg.TelemetryKafkaTopic
	if topic == "" {
		topic = "courier-telemetry"
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "courier-telemetry-worker"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Printf("worker: shipping %s (group %s) to %s", topic, groupID, cfg.LokiURL)
	ship(ctx, reader, loki.NewClient(cfg.LokiURL, nil))
	log.Println("worker: stopped")
}

// ship forwards one record at a time until ctx ends. Kafka payloads are
// already the event JSON, so they go to Loki untouched.
func ship(ctx context.Context, reader *kafka.Reader, client *loki.Client) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: kafka read: %v", err)
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		err = client.PushEventJSON(pushCtx, msg.Value)
		cancel()
		if err != nil {
			log.Printf("worker: loki push: %v", err)
		}
	}
}
