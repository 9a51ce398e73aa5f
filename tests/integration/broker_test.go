package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"

	"ibex/internal/broker"
	"ibex/internal/config"
	"ibex/internal/constants"
	"ibex/pkg/models"
)

func setupKafkaBroker(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := kafkamodule.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("ibex-test"),
	)
	require.NoError(t, err, "failed to start kafka container")

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	return brokers
}

func brokerConfig(brokers []string) config.BrokerConfig {
	return config.BrokerConfig{
		Type: "kafka",
		Kafka: config.KafkaConfig{
			Brokers: brokers,
			GroupID: fmt.Sprintf("broker-test-%s", uuid.New().String()),
			Retry: config.ConsumeRetryConfig{
				MaxAttempts:     2,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
			},
		},
	}
}

func inboundJSON(t *testing.T, msg models.InboundMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestKafkaBroker_ProduceConsumeRoundTrip(t *testing.T) {
	brokers := setupKafkaBroker(t)
	topic := fmt.Sprintf("broker-roundtrip-%s", uuid.New().String())
	log := createTestLogger()

	cfg := brokerConfig(brokers)

	producer, err := broker.NewProducer(cfg, log)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.NewConsumer(cfg, log)
	require.NoError(t, err)
	consumer.SetServiceName("broker-test")
	defer consumer.Close()

	messageID := uuid.New().String()
	body := inboundJSON(t, models.InboundMessage{
		MessageID: messageID,
		Type:      "order.created",
		TenantID:  "tenant-body",
		Source:    "broker-test",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"order_id": "ord-1"},
	})

	received := make(chan *models.InboundMessage, 1)

	consumeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(consumeCtx, topic, func(ctx context.Context, msg *models.InboundMessage) error {
			select {
			case received <- msg:
			default:
			}
			return nil
		})
	}()

	// Header values override the corresponding body fields on decode.
	err = producer.Publish(context.Background(), topic, messageID, body, map[string]string{
		constants.HeaderTenantID:   "tenant-header",
		constants.HeaderRoutingKey: "eu-west",
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, messageID, msg.MessageID)
		assert.Equal(t, "order.created", msg.Type)
		assert.Equal(t, "tenant-header", msg.TenantID)
		assert.Equal(t, "eu-west", msg.RoutingKey)
		assert.Equal(t, "ord-1", msg.Payload["order_id"])
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for consumed message")
	}
}

func TestKafkaBroker_PoisonMessageGoesToDLQ(t *testing.T) {
	brokers := setupKafkaBroker(t)
	topic := fmt.Sprintf("broker-poison-%s", uuid.New().String())
	dlqTopic := topic + ".dlq"
	log := createTestLogger()

	cfg := brokerConfig(brokers)
	cfg.Kafka.DLQTopic = dlqTopic

	producer, err := broker.NewProducer(cfg, log)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.NewConsumer(cfg, log)
	require.NoError(t, err)
	consumer.SetServiceName("broker-test")
	defer consumer.Close()

	var attempts atomic.Int32

	consumeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(consumeCtx, topic, func(ctx context.Context, msg *models.InboundMessage) error {
			attempts.Add(1)
			return errors.New("handler rejects everything")
		})
	}()

	messageID := uuid.New().String()
	body := inboundJSON(t, models.InboundMessage{
		MessageID: messageID,
		Type:      "order.created",
		TenantID:  "tenant-1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"order_id": "ord-poison"},
	})

	err = producer.Publish(context.Background(), topic, messageID, body, nil)
	require.NoError(t, err)

	// The forwarded DLQ copy keeps the original value, so a consumer on
	// the DLQ topic decodes the same message.
	dlqCfg := brokerConfig(brokers)
	dlqConsumer, err := broker.NewConsumer(dlqCfg, log)
	require.NoError(t, err)
	dlqConsumer.SetServiceName("broker-test-dlq")
	defer dlqConsumer.Close()

	dlqReceived := make(chan *models.InboundMessage, 1)

	go func() {
		_ = dlqConsumer.Consume(consumeCtx, dlqTopic, func(ctx context.Context, msg *models.InboundMessage) error {
			select {
			case dlqReceived <- msg:
			default:
			}
			return nil
		})
	}()

	select {
	case msg := <-dlqReceived:
		assert.Equal(t, messageID, msg.MessageID)
		assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}
