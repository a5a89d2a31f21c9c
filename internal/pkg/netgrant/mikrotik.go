package netgrant

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/KiprotichDev/NetPesa/internal/pkg/env"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 10 * time.Second
)

// MikrotikController talks the RouterOS API. Every call opens a fresh
// connection; the router keeps no client state between commands and a
// lingering connection would be one more thing to reconcile after a reboot.
type MikrotikController struct {
	Address  string
	Username string
	Password string

	DialTimeout time.Duration
	// CommandTimeout caps the whole API exchange (login plus commands), not
	// just the TCP connect. A router that accepts the connection and then
	// stops responding must surface as a failed Result, not a hung worker.
	CommandTimeout time.Duration
}

// NewMikrotikControllerFromEnv builds the live controller from MIKROTIK_*
// environment variables.
func NewMikrotikControllerFromEnv() *MikrotikController {
	return &MikrotikController{
		Address:        env.GetEnv("MIKROTIK_HOST", "192.168.88.1:8728"),
		Username:       env.GetEnv("MIKROTIK_USER", "admin"),
		Password:       env.GetEnv("MIKROTIK_PASSWORD", ""),
		DialTimeout:    defaultDialTimeout,
		CommandTimeout: defaultCommandTimeout,
	}
}

// Grant adds a bypassed ip-binding for the MAC, tagged with the traceable
// comment (correlation id + duration label).
func (m *MikrotikController) Grant(ctx context.Context, mac, durationLabel, comment string) Result {
	client, err := m.connect(ctx)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("controller connect failed: %v", err)}
	}
	defer client.Close()

	_, err = client.RunContext(ctx,
		"/ip/hotspot/ip-binding/add",
		"=mac-address="+mac,
		"=type=bypassed",
		"=comment="+comment,
	)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("bypass binding add failed: %v", err)}
	}

	log.Infof("[NetGrant] Bypass binding added for %s (%s)", mac, durationLabel)
	return Result{Success: true, Message: "bypass binding added"}
}

// Revoke kicks the device off the hotspot: the active-connections entry is
// removed so the client is cut immediately, then the bypass binding itself.
func (m *MikrotikController) Revoke(ctx context.Context, mac string) Result {
	client, err := m.connect(ctx)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("controller connect failed: %v", err)}
	}
	defer client.Close()

	removedActive, err := m.removeMatching(ctx, client, "/ip/hotspot/active", mac)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("active connection remove failed: %v", err)}
	}

	removedBindings, err := m.removeMatching(ctx, client, "/ip/hotspot/ip-binding", mac)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("bypass binding remove failed: %v", err)}
	}

	log.Infof("[NetGrant] Revoked %s (active=%d bindings=%d)", mac, removedActive, removedBindings)
	return Result{
		Success: true,
		Message: fmt.Sprintf("removed %d active entries and %d bindings", removedActive, removedBindings),
	}
}

// removeMatching lists entries under base matching the MAC and removes each
// by internal id.
func (m *MikrotikController) removeMatching(ctx context.Context, client *routeros.Client, base, mac string) (int, error) {
	reply, err := client.RunContext(ctx, base+"/print", "?mac-address="+mac)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, re := range reply.Re {
		id, ok := re.Map[".id"]
		if !ok {
			continue
		}
		if _, err := client.RunContext(ctx, base+"/remove", "=.id="+id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// connect dials the router and logs in with a deadline set on the raw
// connection, so every read and write of the exchange is bounded even where
// the library's sync reader does not watch the context.
func (m *MikrotikController) connect(ctx context.Context) (*routeros.Client, error) {
	deadline := time.Now().Add(m.commandTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := &net.Dialer{Timeout: m.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", m.Address)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	client, err := routeros.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := client.LoginContext(ctx, m.Username, m.Password); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (m *MikrotikController) dialTimeout() time.Duration {
	if m.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return m.DialTimeout
}

func (m *MikrotikController) commandTimeout() time.Duration {
	if m.CommandTimeout <= 0 {
		return defaultCommandTimeout
	}
	return m.CommandTimeout
}
