// Package sweeper runs the two periodic cleanup loops: expiring payments
// whose confirmation never arrived, and tearing down sessions whose paid
// window has elapsed.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
)

const (
	// How long a payment may stay pending before it is written off. Covers
	// customers who never entered their PIN plus gateway callbacks that were
	// lost for good.
	PaymentTimeout = 5 * time.Minute

	paymentSweepInterval = 60 * time.Second
	sessionSweepInterval = 30 * time.Second

	// Upper bound per sweep pass so a backlog cannot stall the ticker.
	sweepBatchSize = 200
)

// Manager owns the sweep goroutines.
type Manager struct {
	payments   repository.PaymentRepository
	sessions   repository.SessionRepository
	audit      repository.AuditRepository
	controller netgrant.Controller

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wires the sweep loops from injected collaborators.
func NewManager(repos *repository.Repositories, controller netgrant.Controller) *Manager {
	return &Manager{
		payments:   repos.Payment,
		sessions:   repos.Session,
		audit:      repos.Audit,
		controller: controller,
		stopCh:     make(chan struct{}),
	}
}

// Start launches both sweep loops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	log.Info("[Sweeper] Starting payment and session sweeps")
	m.wg.Add(2)
	go m.loop(paymentSweepInterval, m.SweepStalePayments)
	go m.loop(sessionSweepInterval, m.SweepExpiredSessions)
}

// Stop terminates the sweep loops and waits for in-flight passes.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

func (m *Manager) loop(interval time.Duration, sweep func(context.Context) (int, error)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n, err := sweep(context.Background()); err != nil {
				log.Errorf("[Sweeper] Sweep pass failed: %v", err)
			} else if n > 0 {
				log.Infof("[Sweeper] Sweep pass handled %d records", n)
			}
		}
	}
}

// SweepStalePayments expires payments that have been pending longer than the
// timeout. The guarded transition makes the sweep safe to race against a
// worker that is completing the same payment: exactly one of them wins.
func (m *Manager) SweepStalePayments(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-PaymentTimeout)
	stale, err := m.payments.ListStalePending(cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale payments: %w", err)
	}

	expired := 0
	for i := range stale {
		p := &stale[i]
		ok, err := m.payments.TransitionIfPending(p.ID, models.PaymentStatusExpired, time.Now())
		if err != nil {
			log.Errorf("[Sweeper] Failed to expire payment %d: %v", p.ID, err)
			continue
		}
		if !ok {
			// A reconciliation worker finished it between the list and the
			// transition. Nothing to do.
			continue
		}
		expired++
		m.auditEntry(models.AuditActionPaymentExpired, fmt.Sprintf(
			"payment_id=%d ref=%s phone=%s age>%s", p.ID, p.TransactionRef, p.PhoneNumber, PaymentTimeout))
	}
	return expired, nil
}

// SweepExpiredSessions revokes network access for sessions past their expiry
// and closes their ledger rows. The ledger row is closed even when the revoke
// fails: most controllers also enforce an expiry on their side, and leaving
// the row open would wedge the MAC's "already active" slot forever.
func (m *Manager) SweepExpiredSessions(ctx context.Context) (int, error) {
	now := time.Now()
	sessions, err := m.sessions.ListExpiredActive(now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing expired sessions: %w", err)
	}

	closed := 0
	for i := range sessions {
		s := &sessions[i]

		if res := m.controller.Revoke(ctx, s.MacAddress); !res.Success {
			log.Warnf("[Sweeper] Revoke for %s failed: %s", s.MacAddress, res.Message)
		}

		ok, err := m.sessions.MarkDisconnected(s.ID, models.DisconnectReasonExpired, now)
		if err != nil {
			log.Errorf("[Sweeper] Failed to close session %d: %v", s.ID, err)
			continue
		}
		if !ok {
			continue
		}
		closed++
		m.auditEntry(models.AuditActionSessionExpired, fmt.Sprintf(
			"session_id=%d mac=%s expired_at=%s", s.ID, s.MacAddress, s.ExpiresAt.Format(time.RFC3339)))
	}
	return closed, nil
}

func (m *Manager) auditEntry(action, detail string) {
	if err := m.audit.Write(action, detail, "sweeper"); err != nil {
		log.Errorf("[Sweeper] Failed to write audit entry %s: %v", action, err)
	}
}
