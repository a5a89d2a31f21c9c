// Package admission guards session grants: device identifier validation,
// the one-active-session rule and advisory spoofing heuristics.
package admission

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/app/repository"
)

const (
	// Sighting heuristics: a MAC seen from too many source IPs inside the
	// trailing window, or from a second IP within the last minute, is flagged.
	sightingWindow    = 30 * time.Minute
	recentIPWindow    = 60 * time.Second
	maxDistinctIPs    = 3
	sightingKeyPrefix = "mac_sightings:"
)

var (
	ErrInvalidMac    = errors.New("invalid MAC address")
	ErrMulticastMac  = errors.New("multicast MAC address is not a physical device")
	ErrAlreadyActive = errors.New("an active session already exists for this device")
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// NormalizeMac canonicalizes a device identifier to upper-case six-octet
// colon-separated hex. Multicast addresses (low bit of the first octet set)
// are rejected: no physical client interface carries one, so seeing it
// claimed means spoofed or garbage input.
func NormalizeMac(raw string) (string, error) {
	mac := strings.ToUpper(strings.TrimSpace(raw))
	mac = strings.ReplaceAll(mac, "-", ":")
	if !macPattern.MatchString(mac) {
		return "", ErrInvalidMac
	}

	firstOctet, err := strconv.ParseUint(mac[:2], 16, 8)
	if err != nil {
		return "", ErrInvalidMac
	}
	if firstOctet&0x01 != 0 {
		return "", ErrMulticastMac
	}

	return mac, nil
}

// Checker runs the admission gate consulted by the initiation flow.
type Checker struct {
	sessions repository.SessionRepository
	audit    repository.AuditRepository
	redis    *redis.Client
}

// NewChecker creates an admission checker. The Redis client may be nil, in
// which case the sighting heuristics are skipped (they are advisory anyway).
func NewChecker(sessions repository.SessionRepository, audit repository.AuditRepository, redisClient *redis.Client) *Checker {
	return &Checker{
		sessions: sessions,
		audit:    audit,
		redis:    redisClient,
	}
}

// Check validates the claimed MAC and enforces the one-active-session rule.
// The spoofing heuristics never block admission; legitimate NAT setups
// trigger them too often for that. They are logged and audited instead.
func (c *Checker) Check(ctx context.Context, rawMac, sourceIP string) (string, error) {
	mac, err := NormalizeMac(rawMac)
	if err != nil {
		return "", err
	}

	if _, err := c.sessions.GetActiveByMac(mac, time.Now()); err == nil {
		return "", ErrAlreadyActive
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("active session lookup failed: %w", err)
	}

	if suspicious, reason := c.observeSighting(ctx, mac, sourceIP); suspicious {
		log.Warnf("[Admission] Suspicious device %s from %s: %s", mac, sourceIP, reason)
		detail := fmt.Sprintf("mac=%s source_ip=%s reason=%s", mac, sourceIP, reason)
		if err := c.audit.Write(models.AuditActionSpoofSuspected, detail, ""); err != nil {
			log.Errorf("[Admission] Failed to write spoof audit entry: %v", err)
		}
	}

	return mac, nil
}

// observeSighting records (mac, sourceIP, now) in a Redis sorted set and
// evaluates the distinct-IP heuristics over the trailing window.
func (c *Checker) observeSighting(ctx context.Context, mac, sourceIP string) (bool, string) {
	if c.redis == nil || sourceIP == "" {
		return false, ""
	}

	key := sightingKeyPrefix + mac
	now := time.Now()

	recent, err := c.redis.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-sightingWindow).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		log.Errorf("[Admission] Sighting lookup failed for %s: %v", mac, err)
		return false, ""
	}

	distinct := make(map[string]struct{}, len(recent))
	recentCutoff := float64(now.Add(-recentIPWindow).UnixMilli())
	recentOtherIP := false
	for _, z := range recent {
		ip, _ := z.Member.(string)
		distinct[ip] = struct{}{}
		if ip != sourceIP && z.Score >= recentCutoff {
			recentOtherIP = true
		}
	}
	distinct[sourceIP] = struct{}{}

	pipe := c.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: sourceIP})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-sightingWindow).UnixMilli(), 10))
	pipe.Expire(ctx, key, sightingWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[Admission] Failed to record sighting for %s: %v", mac, err)
	}

	if recentOtherIP {
		return true, fmt.Sprintf("seen from a different IP within %s", recentIPWindow)
	}
	if len(distinct) > maxDistinctIPs {
		return true, fmt.Sprintf("%d distinct source IPs within %s", len(distinct), sightingWindow)
	}
	return false, ""
}
