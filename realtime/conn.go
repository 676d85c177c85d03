package realtime

import "github.com/techagentng/expertchat/models"

// Conn is one live client connection. Send must not block: a connection that cannot
// accept an event closes itself and reports an error.
type Conn interface {
	ID() string
	Send(event models.Outbound) error
	Close() error
}
