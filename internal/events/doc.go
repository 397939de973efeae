// Package events emits stream lifecycle records to Kafka for analytics and
// audit. The sink is optional and strictly best-effort: when no brokers are
// configured the Nop publisher is wired instead, and a broker outage never
// touches the streaming path.
package events
