// Package protocol implements the Frame Codec for the broker WebSocket API.
//
// Wire format is JSON text frames:
//
//	request:  {"balance":1,"req_id":7}
//	response: {"msg_type":"balance","balance":{...},"echo_req":{...},"req_id":7}
//	error:    {"msg_type":"buy","error":{"code":"...","message":"..."},"req_id":9}
//	push:     {"msg_type":"tick","tick":{...},"subscription":{"id":"..."}}
//
// Requests have a fixed schema per operation; anything else is rejected at
// the codec boundary. The echo_req block is discarded on decode because the
// broker echoes the credential back on authorize.
package protocol
