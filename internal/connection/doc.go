// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one broker WebSocket and drives it through
//     Disconnected, Connecting, Connected, Authenticating, Authenticated
//   - Coalesces concurrent Connect calls onto one attempt
//   - Multiplexes concurrent requests over the socket by correlation id
//   - Sends app-level pings and treats prolonged silence as a failure
//   - Reconnects with capped exponential backoff after abnormal closes
//   - Publishes lifecycle changes and broker pushes as events
package connection
