// Package realtime fans change notifications out over a zero-latency local bus,
// a best-effort ephemeral broadcast channel and a durable change feed, and
// normalizes all three into Event values for subscribers.
//
// Delivery is at-least-once. The Layer drops events whose ID it has already
// delivered recently, but subscribers must still tolerate duplicates.
package realtime
