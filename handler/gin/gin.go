// Package gin mounts the webhook processor on a Gin engine.
package gin

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Register mounts the processor's webhook endpoint on the engine at
// the processor's configured path.
func Register(r *gin.Engine, p *paddlehook.Processor) error {
	if r == nil {
		return fmt.Errorf("gin engine is required")
	}
	if p == nil {
		return fmt.Errorf("processor is required")
	}

	r.POST(p.WebhookPath(), gin.WrapH(p))
	return nil
}

// Handler wraps the processor as a standalone gin.HandlerFunc, for
// apps that want to choose the route themselves.
func Handler(p *paddlehook.Processor) gin.HandlerFunc {
	return gin.WrapH(p)
}
