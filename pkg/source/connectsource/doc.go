// Package connectsource implements the Broker-Connect style CDC source: a
// named connector living in an external Kafka-Connect cluster, consumed
// over Kafka with franz-go. Control-plane calls (create/update/describe the
// connector) go over a thin REST client; data-plane consumption is a
// franz-go consumer group.
package connectsource
