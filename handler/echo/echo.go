// Package echo mounts the webhook processor on an Echo instance.
package echo

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Register mounts the processor's webhook endpoint on the Echo
// instance at the processor's configured path.
func Register(e *echo.Echo, p *paddlehook.Processor) error {
	if e == nil {
		return fmt.Errorf("echo instance is required")
	}
	if p == nil {
		return fmt.Errorf("processor is required")
	}

	e.POST(p.WebhookPath(), echo.WrapHandler(p))
	return nil
}

// Handler wraps the processor as a standalone echo.HandlerFunc, for
// apps that want to choose the route themselves.
func Handler(p *paddlehook.Processor) echo.HandlerFunc {
	return echo.WrapHandler(p)
}
