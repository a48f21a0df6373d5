package main

import (
	"fulfillment/cmd/server/config"
	"fulfillment/internal/events"
	"fulfillment/internal/orders"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// buildPublisher fans lifecycle events out to the log and, when configured,
// to Kafka and the Redis status stream.
func buildPublisher(kafkaCfg config.KafkaConfig, redisCfg config.RedisConfig, rdb *redis.Client, log logrus.FieldLogger) (orders.EventPublisher, func()) {
	publishers := []orders.EventPublisher{events.NewLogPublisher(log)}
	cleanup := func() {}

	if len(kafkaCfg.Brokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(events.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.Topic))
		publishers = append(publishers, kafkaPub)
		cleanup = func() {
			if err := kafkaPub.Close(); err != nil {
				log.WithError(err).Warn("close kafka writer")
			}
		}
		log.WithFields(logrus.Fields{"brokers": kafkaCfg.Brokers, "topic": kafkaCfg.Topic}).Info("publishing order events to kafka")
	}
	if rdb != nil {
		publishers = append(publishers, events.NewRedisStreamPublisher(
			events.ClientAdapter{Client: rdb}, redisCfg.Stream, redisCfg.StatusTTL, redisCfg.StreamMaxLen))
	}
	return events.NewMultiPublisher(publishers...), cleanup
}
