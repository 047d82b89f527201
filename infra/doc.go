// Package infra contains technical adapters such as the Redis queue store,
// MQTT notifier and metrics exporters. These packages should depend only on
// the interfaces defined in the core packages.
package infra
