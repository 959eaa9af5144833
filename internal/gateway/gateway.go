package gateway

import "context"

// Inbound is one chat message addressed to the router.
type Inbound struct {
	Gateway string
	ChatID  string
	UserID  string
	Name    string
	Text    string
}

// HandlerFunc receives inbound chat messages.
type HandlerFunc func(ctx context.Context, msg Inbound)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Name identifies the gateway in session channel metadata.
	Name() string
	// Start begins the message listening loop and blocks until ctx is done.
	Start(ctx context.Context, handle HandlerFunc) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}
