package protocol

// Control-plane RPC method names served over the gateway WebSocket.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsDelete = "sessions.delete"

	// Config (secrets masked)
	MethodConfigGet = "config.get"

	// Channels
	MethodChannelsStatus = "channels.status"

	// Cron
	MethodCronList = "cron.list"

	// Direct send through a connected channel
	MethodSend = "send"
)
