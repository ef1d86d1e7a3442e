// Package fiber mounts the webhook processor on a Fiber app.
package fiber

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Register mounts the processor's webhook endpoint on the app at the
// processor's configured path.
//
// Fiber runs on fasthttp, so the processor's net/http handler is
// bridged through the adaptor middleware; the request context is
// preserved across the bridge.
func Register(app *fiber.App, p *paddlehook.Processor) error {
	if app == nil {
		return fmt.Errorf("fiber app is required")
	}
	if p == nil {
		return fmt.Errorf("processor is required")
	}

	app.Post(p.WebhookPath(), adaptor.HTTPHandler(p))
	return nil
}

// Handler wraps the processor as a standalone fiber.Handler, for apps
// that want to choose the route themselves.
func Handler(p *paddlehook.Processor) fiber.Handler {
	return adaptor.HTTPHandler(p)
}
