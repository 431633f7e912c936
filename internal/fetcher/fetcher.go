package fetcher

import (
	"context"

	"knowbase/pkg/types"
)

// Renderer turns a URL into a RenderResult. Implementations never panic
// across this boundary and never return nil; failures are recorded in the
// result's Error field.
type Renderer interface {
	Render(ctx context.Context, rawURL string) *types.RenderResult
}

// Validator gates outbound fetches. Satisfied by *safety.Validator.
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
	ShouldBlockRequest(rawURL string) bool
}

// Error strings shared between renderers and the orchestrator's
// escalation logic.
const (
	ErrMsgNoContent           = "No content extracted"
	ErrMsgInsufficientContent = "Insufficient content rendered"
	ErrMsgRequestTimeout      = "Request timed out"
	ErrMsgBrowserLaunch       = "Browser launch failed"
)
