package outbox

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestKafkaProducerWithoutBrokers(t *testing.T) {
	p := NewKafkaProducer(ProducerConfig{})
	err := p.WriteMessages(context.Background(), "wearables.sync.v1", kafka.Message{Value: []byte("{}")})
	require.ErrorContains(t, err, "no kafka brokers configured")
	require.NoError(t, p.Close())
}

func TestKafkaProducerReusesWritersPerTopic(t *testing.T) {
	p := NewKafkaProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, ClientID: "test"})

	first := p.writer("a")
	require.Same(t, first, p.writer("a"))
	require.NotSame(t, first, p.writer("b"))
	require.Equal(t, "a", first.Topic)
	require.IsType(t, &kafka.Hash{}, first.Balancer)

	require.NoError(t, p.Close())
	require.Empty(t, p.writers)
}
