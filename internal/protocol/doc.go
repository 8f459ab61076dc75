// Package protocol defines the JSON frames spoken between the gateway and
// probe agents on the /ws/node WebSocket endpoint.
package protocol
