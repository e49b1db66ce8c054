package ai

import "context"

// Completer turns a user prompt plus a conversation hint into reply text.
type Completer interface {
	Complete(ctx context.Context, prompt, hint string) (string, error)
}
