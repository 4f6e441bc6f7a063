package auth

import (
	"context"

	"github.com/authcore/server/internal/model"
)

// Dispatcher delivers an OTP code to a contact address. Implementations live in
// internal/notify.
type Dispatcher interface {
	Send(ctx context.Context, address string, purpose model.Purpose, code string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, address string, purpose model.Purpose, code string) error

func (f DispatcherFunc) Send(ctx context.Context, address string, purpose model.Purpose, code string) error {
	return f(ctx, address, purpose, code)
}
