// Package notify delivers one-time codes to account contact addresses.
// Every notifier satisfies auth.Dispatcher.
package notify

import (
	"fmt"

	"github.com/authcore/server/internal/model"
)

// Message is the rendered notification for one code.
type Message struct {
	Subject string
	Body    string
}

// Render builds the human-readable message for a code and its purpose.
func Render(purpose model.Purpose, code string) Message {
	switch purpose {
	case model.PurposeLogin:
		return Message{
			Subject: "Your sign-in code",
			Body:    fmt.Sprintf("Your sign-in code is %s. It expires shortly and can be used once.", code),
		}
	default:
		return Message{
			Subject: "Verify your account",
			Body:    fmt.Sprintf("Your verification code is %s. Enter it to finish creating your account.", code),
		}
	}
}
