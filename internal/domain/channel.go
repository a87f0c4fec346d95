package domain

import "context"

// Platform is the small capability surface each messaging integration
// exposes to the shared dispatch core.
type Platform interface {
	Name() string
	Kind() ChannelKind
	SendText(ctx context.Context, chatID, text string) error
}

// Channel is a long-running adapter owned by a worker process.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
