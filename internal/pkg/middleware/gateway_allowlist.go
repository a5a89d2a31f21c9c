package middleware

import (
	"fmt"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/env"
)

// Safaricom's published callback source ranges. Overridable via
// MPESA_ALLOWED_IPS (comma-separated IPs or CIDRs).
var defaultGatewayCIDRs = []string{
	"196.201.214.0/24",
	"196.201.213.0/24",
	"196.201.212.0/24",
}

// GatewayAllowlist restricts the webhook route to the payment gateway's
// source addresses. Outside production the check is bypassed with a warning
// so local tunnels keep working. A rejected request is audited; the spoofer
// gets a bare 403 with no hint about the payload handling.
func GatewayAllowlist(audit repository.AuditRepository) fiber.Handler {
	nets := parseAllowlist(env.GetEnv("MPESA_ALLOWED_IPS", ""))
	bypass := env.IsDev()
	if bypass {
		log.Warn("[Webhook] Gateway IP allow-list DISABLED outside production")
	}

	return func(c *fiber.Ctx) error {
		if bypass {
			return c.Next()
		}

		ip := net.ParseIP(c.IP())
		if ip != nil {
			for _, n := range nets {
				if n.Contains(ip) {
					return c.Next()
				}
			}
		}

		log.Warnf("[Webhook] Rejected callback from non-allowlisted source %s", c.IP())
		detail := fmt.Sprintf("source_ip=%s path=%s", c.IP(), c.Path())
		if err := audit.Write(models.AuditActionWebhookRejected, detail, ""); err != nil {
			log.Errorf("[Webhook] Failed to write rejection audit entry: %v", err)
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
}

func parseAllowlist(configured string) []*net.IPNet {
	entries := defaultGatewayCIDRs
	if strings.TrimSpace(configured) != "" {
		entries = strings.Split(configured, ",")
	}

	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			// Bare IP becomes a host route.
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			log.Errorf("[Webhook] Ignoring invalid allow-list entry %q: %v", entry, err)
			continue
		}
		nets = append(nets, n)
	}
	return nets
}
