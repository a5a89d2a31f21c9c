// Package netgrant wraps the hotspot controller. Controller errors never
// escape as Go errors; callers always get a Result they can treat as a
// compensable failure.
package netgrant

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/KiprotichDev/NetPesa/internal/pkg/env"
)

// Result is the uniform outcome of a controller operation.
type Result struct {
	Success bool
	Message string
}

// Controller binds and unbinds a device to the hotspot bypass rule.
type Controller interface {
	Grant(ctx context.Context, mac, durationLabel, comment string) Result
	Revoke(ctx context.Context, mac string) Result
}

// NoopController reports success without touching hardware so the rest of the
// pipeline can run in deployments without a reachable router.
type NoopController struct{}

func (NoopController) Grant(_ context.Context, mac, durationLabel, _ string) Result {
	log.Infof("[NetGrant] Disabled mode: skipping grant for %s (%s)", mac, durationLabel)
	return Result{Success: true, Message: "netgrant disabled"}
}

func (NoopController) Revoke(_ context.Context, mac string) Result {
	log.Infof("[NetGrant] Disabled mode: skipping revoke for %s", mac)
	return Result{Success: true, Message: "netgrant disabled"}
}

// NewControllerFromEnv selects the controller implementation. NETGRANT_MODE
// "disabled" (the default outside production hardware) yields the no-op.
func NewControllerFromEnv() Controller {
	mode := env.GetEnv("NETGRANT_MODE", "disabled")
	if mode == "disabled" {
		log.Warn("[NetGrant] Running with network grants disabled")
		return NoopController{}
	}
	return NewMikrotikControllerFromEnv()
}

// GrantComment builds the traceable comment attached to a bypass binding.
func GrantComment(checkoutRequestID, durationLabel string) string {
	return fmt.Sprintf("netpesa:%s:%s", checkoutRequestID, durationLabel)
}
