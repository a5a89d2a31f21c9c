package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
)

type stubPaymentRepo struct {
	payments map[uint]*models.Payment
}

func (s *stubPaymentRepo) Create(p *models.Payment) error {
	s.payments[p.ID] = p
	return nil
}

func (s *stubPaymentRepo) Update(p *models.Payment) error { return nil }

func (s *stubPaymentRepo) GetByID(id uint) (*models.Payment, error) {
	if p, ok := s.payments[id]; ok {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubPaymentRepo) GetByCheckoutRequestID(string) (*models.Payment, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubPaymentRepo) TransitionIfPending(id uint, status string, at time.Time) (bool, error) {
	p, ok := s.payments[id]
	if !ok || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (s *stubPaymentRepo) TransitionStatus(id uint, from, to string, at time.Time) (bool, error) {
	p, ok := s.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (s *stubPaymentRepo) CompleteIfPending(uint, string, time.Time, time.Time) (bool, error) {
	return false, nil
}

func (s *stubPaymentRepo) ListStalePending(cutoff time.Time, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

type stubSessionRepo struct {
	sessions map[uint]*models.Session
}

func (s *stubSessionRepo) Create(sess *models.Session) error {
	s.sessions[sess.ID] = sess
	return nil
}

func (s *stubSessionRepo) GetByID(id uint) (*models.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubSessionRepo) GetActiveByMac(string, time.Time) (*models.Session, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubSessionRepo) ListExpiredActive(now time.Time, limit int) ([]models.Session, error) {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.DisconnectedAt == nil && !sess.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *stubSessionRepo) MarkDisconnected(id uint, reason string, at time.Time) (bool, error) {
	sess, ok := s.sessions[id]
	if !ok || sess.DisconnectedAt != nil {
		return false, nil
	}
	sess.Disconnect(reason, at)
	return true, nil
}

type stubAudit struct {
	actions []string
}

func (s *stubAudit) Write(action, detail, actor string) error {
	s.actions = append(s.actions, action)
	return nil
}

func (s *stubAudit) count(action string) int {
	n := 0
	for _, a := range s.actions {
		if a == action {
			n++
		}
	}
	return n
}

type stubController struct {
	revoked []string
	fail    bool
}

func (s *stubController) Grant(context.Context, string, string, string) netgrant.Result {
	return netgrant.Result{Success: true}
}

func (s *stubController) Revoke(_ context.Context, mac string) netgrant.Result {
	s.revoked = append(s.revoked, mac)
	if s.fail {
		return netgrant.Result{Success: false, Message: "device unreachable"}
	}
	return netgrant.Result{Success: true}
}

func newTestManager() (*Manager, *stubPaymentRepo, *stubSessionRepo, *stubAudit, *stubController) {
	payments := &stubPaymentRepo{payments: map[uint]*models.Payment{}}
	sessions := &stubSessionRepo{sessions: map[uint]*models.Session{}}
	audit := &stubAudit{}
	controller := &stubController{}
	m := NewManager(&repository.Repositories{
		Payment: payments,
		Session: sessions,
		Audit:   audit,
	}, controller)
	return m, payments, sessions, audit, controller
}

func TestSweepStalePayments(t *testing.T) {
	m, payments, _, audit, _ := newTestManager()
	now := time.Now()

	payments.payments[1] = &models.Payment{
		ID: 1, TransactionRef: "NP-old", Status: models.PaymentStatusPending,
		CreatedAt: now.Add(-10 * time.Minute),
	}
	payments.payments[2] = &models.Payment{
		ID: 2, TransactionRef: "NP-fresh", Status: models.PaymentStatusPending,
		CreatedAt: now.Add(-1 * time.Minute),
	}
	payments.payments[3] = &models.Payment{
		ID: 3, TransactionRef: "NP-done", Status: models.PaymentStatusCompleted,
		CreatedAt: now.Add(-10 * time.Minute),
	}

	n, err := m.SweepStalePayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.PaymentStatusExpired, payments.payments[1].Status)
	assert.Equal(t, models.PaymentStatusPending, payments.payments[2].Status, "fresh payment untouched")
	assert.Equal(t, models.PaymentStatusCompleted, payments.payments[3].Status)
	assert.Equal(t, 1, audit.count(models.AuditActionPaymentExpired))
}

// stalePaymentRepo simulates a reconciliation worker completing the payment
// between the sweep's list and its transition.
type stalePaymentRepo struct {
	*stubPaymentRepo
}

func (s *stalePaymentRepo) ListStalePending(cutoff time.Time, limit int) ([]models.Payment, error) {
	listed, err := s.stubPaymentRepo.ListStalePending(cutoff, limit)
	for i := range listed {
		s.payments[listed[i].ID].Status = models.PaymentStatusCompleted
	}
	return listed, err
}

func TestSweepStalePaymentsLosesRaceGracefully(t *testing.T) {
	inner := &stubPaymentRepo{payments: map[uint]*models.Payment{
		1: {ID: 1, Status: models.PaymentStatusPending, CreatedAt: time.Now().Add(-10 * time.Minute)},
	}}
	audit := &stubAudit{}
	m := NewManager(&repository.Repositories{
		Payment: &stalePaymentRepo{stubPaymentRepo: inner},
		Session: &stubSessionRepo{sessions: map[uint]*models.Session{}},
		Audit:   audit,
	}, &stubController{})

	n, err := m.SweepStalePayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "completed payment is not expired")
	assert.Equal(t, models.PaymentStatusCompleted, inner.payments[1].Status)
	assert.Zero(t, audit.count(models.AuditActionPaymentExpired))
}

func TestSweepExpiredSessions(t *testing.T) {
	m, _, sessions, audit, controller := newTestManager()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	sessions.sessions[1] = &models.Session{ID: 1, MacAddress: "AA:BB:CC:DD:EE:01", ExpiresAt: past}
	sessions.sessions[2] = &models.Session{ID: 2, MacAddress: "AA:BB:CC:DD:EE:02", ExpiresAt: future}

	n, err := m.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01"}, controller.revoked)
	require.NotNil(t, sessions.sessions[1].DisconnectedAt)
	assert.Equal(t, models.DisconnectReasonExpired, sessions.sessions[1].DisconnectReason)
	assert.Nil(t, sessions.sessions[2].DisconnectedAt, "active session untouched")
	assert.Equal(t, 1, audit.count(models.AuditActionSessionExpired))
}

func TestSweepClosesSessionEvenWhenRevokeFails(t *testing.T) {
	m, _, sessions, _, controller := newTestManager()
	controller.fail = true

	sessions.sessions[1] = &models.Session{ID: 1, MacAddress: "AA:BB:CC:DD:EE:01", ExpiresAt: time.Now().Add(-time.Minute)}

	n, err := m.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, sessions.sessions[1].DisconnectedAt, "ledger closed despite revoke failure")
}

func TestSweepExpiredSessionsIsIdempotent(t *testing.T) {
	m, _, sessions, audit, _ := newTestManager()

	sessions.sessions[1] = &models.Session{ID: 1, MacAddress: "AA:BB:CC:DD:EE:01", ExpiresAt: time.Now().Add(-time.Minute)}

	n, err := m.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = m.SweepExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second pass finds nothing")
	assert.Equal(t, 1, audit.count(models.AuditActionSessionExpired))
}
