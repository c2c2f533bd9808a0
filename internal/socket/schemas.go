// ABOUTME: JSON schemas declaring the payload shape of each inbound action.
// ABOUTME: Compiled once at router construction; violations yield INVALID_PAYLOAD.

package socket

const (
	sendMessageSchema = `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"message_id": {"type": "string"}
		}
	}`

	typingSchema = `{
		"type": "object",
		"properties": {
			"is_typing": {"type": "boolean"}
		}
	}`

	readSchema = `{
		"type": "object",
		"required": ["message_ids"],
		"properties": {
			"message_ids": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string"}
			}
		}
	}`

	requestHandoffSchema = `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`

	startHandoffSchema = `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`

	acceptHandoffSchema = `{
		"type": "object",
		"properties": {}
	}`

	endHandoffSchema = `{
		"type": "object",
		"properties": {
			"summary": {"type": "string"}
		}
	}`

	transferSchema = `{
		"type": "object",
		"required": ["to_operator"],
		"properties": {
			"to_operator": {"type": "string", "minLength": 1}
		}
	}`
)
