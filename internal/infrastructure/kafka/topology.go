package kafka

import (
	"github.com/segmentio/kafka-go"
)

// Binding ties a consumer to an exchange. The logical queue is a Kafka
// consumer group named {consumer}.{exchange} reading the exchange topic, so
// every bound consumer receives every published envelope (fan-out).
type Binding struct {
	Exchange string
	Consumer string
}

// Queue returns the queue name for the binding.
func (b Binding) Queue() string {
	return b.Consumer + "." + b.Exchange
}

// DeadLetterQueue names the dead-letter topic of a queue.
func DeadLetterQueue(queue string) string {
	return queue + ".deadletter"
}

// Topology is the static declaration of exchanges and bindings a process
// needs. It is configuration, not runtime state: declared once at startup.
type Topology struct {
	Exchanges []string
	Bindings  []Binding

	// Partitions and ReplicationFactor apply to every declared topic.
	Partitions        int
	ReplicationFactor int
}

func (t Topology) partitions() int {
	if t.Partitions > 0 {
		return t.Partitions
	}
	return 1
}

func (t Topology) replicationFactor() int {
	if t.ReplicationFactor > 0 {
		return t.ReplicationFactor
	}
	return 1
}

// topics lists every topic the topology implies: one per exchange plus one
// dead-letter topic per binding.
func (t Topology) topics() []kafka.TopicConfig {
	seen := make(map[string]bool)
	var configs []kafka.TopicConfig

	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		configs = append(configs, kafka.TopicConfig{
			Topic:             name,
			NumPartitions:     t.partitions(),
			ReplicationFactor: t.replicationFactor(),
		})
	}

	for _, ex := range t.Exchanges {
		add(ex)
	}
	for _, b := range t.Bindings {
		add(b.Exchange)
		add(DeadLetterQueue(b.Queue()))
	}
	return configs
}
