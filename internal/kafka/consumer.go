package kafka

import (
	"context"
	"encoding/json"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/pipeline"
)

// eventMessage is the wire shape domain services publish.
type eventMessage struct {
	EventType     string                 `json:"event_type"`
	Attributes    map[string]interface{} `json:"attributes"`
	SourceService string                 `json:"source_service"`
	SourceEventID string                 `json:"source_event_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Consumer reads domain events off Kafka and submits them to the pipeline.
type Consumer struct {
	reader *kafkago.Reader
	pipe   *pipeline.Pipeline
	logger *logging.Logger
}

func NewConsumer(broker, topic, groupID string, pipe *pipeline.Pipeline, logger *logging.Logger) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, pipe: pipe, logger: logger}
}

// Start consumes until the context is cancelled. Malformed messages are
// logged and skipped; they never stop the consumer.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Infof("Kafka consumer started on topic %s", c.reader.Config().Topic)
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Errorf("Read message failed: %v", err)
				continue
			}

			var em eventMessage
			if err := json.Unmarshal(msg.Value, &em); err != nil {
				c.logger.Errorf("Unmarshal message failed: %v", err)
				continue
			}
			if em.EventType == "" || em.SourceService == "" {
				c.logger.Errorf("Invalid message: missing event_type or source_service")
				continue
			}

			c.pipe.Submit(models.Event{
				Type:          em.EventType,
				Attributes:    em.Attributes,
				SourceService: em.SourceService,
				SourceEventID: em.SourceEventID,
				CorrelationID: em.CorrelationID,
			})
		}
	}()
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Errorf("Kafka reader close failed: %v", err)
	}
}
