// Package signaling is the websocket transport surface of the coordinator.
//
// It upgrades connections, enforces origin/auth/rate limits, decodes the
// wire protocol into coordinator events and delivers the coordinator's
// outbound effects through per-connection send queues.
package signaling
