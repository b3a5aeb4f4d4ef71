// Package streamkey issues and validates the credentials RTMP publishers
// present. Only the SHA-256 hash of a key is ever persisted.
package streamkey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/vtcast/internal/clock"
	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/repository"
)

// KeyPrefix starts every issued key.
const KeyPrefix = "sk_"

// DefaultTTL is how long a key record is retained when no TTL is configured.
const DefaultTTL = 30 * 24 * time.Hour

var (
	// ErrInvalidKey is returned when a key fails validation.
	ErrInvalidKey = errors.New("invalid stream key")

	// ErrKeyNotFound is returned when no record matches a key or alias.
	ErrKeyNotFound = errors.New("stream key not found")

	// ErrInvalidAllowedIP is returned for an allowlist entry that is neither an address nor a CIDR.
	ErrInvalidAllowedIP = errors.New("invalid allowed ip")

	// ErrInvalidExpiry is returned for a negative expiry.
	ErrInvalidExpiry = errors.New("expiry must not be negative")

	// ErrInvalidAlias is returned for an alias outside [a-z0-9_-], 1-64 characters.
	ErrInvalidAlias = errors.New("invalid alias")

	// ErrAliasConflict is returned when an alias is owned by a different user or stream.
	ErrAliasConflict = errors.New("alias belongs to another stream")
)

// Validation outcomes, used as metric labels.
const (
	resultValid     = "valid"
	resultUnknown   = "unknown"
	resultRevoked   = "revoked"
	resultExpired   = "expired"
	resultIPDenied  = "ip_denied"
	resultMalformed = "malformed"
	resultError     = "error"
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Config configures the Service.
type Config struct {
	// DefaultTTL bounds how long a record is retained, even without an explicit expiry.
	DefaultTTL time.Duration
	// AliasSecret keys alias derivation. When empty a random secret is used,
	// so aliases resolve to new keys after a restart.
	AliasSecret string
}

// GenerateOptions are the optional parameters of GenerateKey.
type GenerateOptions struct {
	// ExpiresIn sets an explicit expiry. Zero means the key only lapses with its retention TTL.
	ExpiresIn time.Duration
	// AllowedIPs restricts the addresses a key may publish from. Entries are addresses or CIDRs.
	AllowedIPs []string
}

// IssuedKey is the result of GenerateKey. Key is the only copy of the plaintext.
type IssuedKey struct {
	Key    string
	Record *models.StreamKey
}

// Service manages stream keys.
type Service struct {
	repo    repository.StreamKeyRepository
	ttl     time.Duration
	secret  []byte
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	// aliasMu serializes alias creation so concurrent callers share one key.
	aliasMu sync.Mutex
}

// NewService creates a Service. clk and metrics may be nil.
func NewService(repo repository.StreamKeyRepository, cfg Config, clk clock.Clock, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	logger = observability.WithComponent(logger, "streamkey")

	secret := []byte(cfg.AliasSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating alias secret: %w", err)
		}
		logger.Warn("no alias secret configured, aliases will not survive a restart")
	}

	return &Service{
		repo:    repo,
		ttl:     cfg.DefaultTTL,
		secret:  secret,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// HashKey returns the hex SHA-256 of key, the form in which keys are stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateKey issues a new key for userID and streamID. The plaintext is
// returned once and never stored.
func (s *Service) GenerateKey(ctx context.Context, userID, streamID string, opts GenerateOptions) (IssuedKey, error) {
	if userID == "" {
		return IssuedKey{}, models.ErrUserIDRequired
	}
	if streamID == "" {
		return IssuedKey{}, models.ErrStreamIDRequired
	}
	if opts.ExpiresIn < 0 {
		return IssuedKey{}, ErrInvalidExpiry
	}
	allowed, err := normalizeAllowedIPs(opts.AllowedIPs)
	if err != nil {
		return IssuedKey{}, err
	}

	key, err := newKey()
	if err != nil {
		return IssuedKey{}, fmt.Errorf("generating stream key: %w", err)
	}

	record := s.newRecord(key, userID, streamID)
	record.AllowedIPs = allowed
	if opts.ExpiresIn > 0 {
		expires := record.CreatedAt.Add(opts.ExpiresIn)
		record.ExpiresAt = &expires
		if expires.After(record.RetainUntil) {
			record.RetainUntil = expires
		}
	}

	if err := s.repo.Create(ctx, record); err != nil {
		return IssuedKey{}, fmt.Errorf("storing stream key: %w", err)
	}

	s.logger.InfoContext(ctx, "stream key issued",
		slog.String("key_id", record.HashPrefix()),
		slog.String("user_id", userID),
		slog.String("stream_id", streamID),
		slog.Int("allowed_ips", len(allowed)))

	return IssuedKey{Key: key, Record: record}, nil
}

func (s *Service) newRecord(key, userID, streamID string) *models.StreamKey {
	now := s.clock.Now()
	return &models.StreamKey{
		BaseModel:   models.BaseModel{CreatedAt: now, UpdatedAt: now},
		KeyHash:     HashKey(key),
		UserID:      userID,
		StreamID:    streamID,
		RetainUntil: now.Add(s.ttl),
		Active:      true,
	}
}

func normalizeAllowedIPs(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			out = append(out, network.String())
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			out = append(out, ip.String())
			continue
		}
		return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedIP, entry)
	}
	return out, nil
}

// ValidateKey reports whether key may publish from ip. It fails closed: an
// unknown, revoked, expired or out-of-retention key, or an ip outside an
// enforced allowlist, yields false. Storage errors yield false and the error.
// A successful validation records the time of use.
func (s *Service) ValidateKey(ctx context.Context, key, ip string) (bool, error) {
	record, result, err := s.check(ctx, key, ip)
	s.metrics.IncKeyValidations(result)
	if err != nil {
		s.logger.ErrorContext(ctx, "stream key lookup failed", slog.String("error", err.Error()))
		return false, err
	}
	if result != resultValid {
		attrs := []any{slog.String("result", result), slog.String("ip", ip)}
		if record != nil {
			attrs = append(attrs, slog.String("key_id", record.HashPrefix()))
		}
		s.logger.InfoContext(ctx, "stream key rejected", attrs...)
		return false, nil
	}

	if err := s.repo.TouchLastUsed(ctx, record.ID, s.clock.Now()); err != nil {
		s.logger.WarnContext(ctx, "failed to record stream key use",
			slog.String("key_id", record.HashPrefix()),
			slog.String("error", err.Error()))
	}
	s.logger.DebugContext(ctx, "stream key accepted",
		slog.String("key_id", record.HashPrefix()),
		slog.String("stream_id", record.StreamID))
	return true, nil
}

func (s *Service) check(ctx context.Context, key, ip string) (*models.StreamKey, string, error) {
	if key == "" {
		return nil, resultMalformed, nil
	}
	record, err := s.repo.GetByHash(ctx, HashKey(key))
	if err != nil {
		return nil, resultError, fmt.Errorf("looking up stream key: %w", err)
	}
	if record == nil {
		return nil, resultUnknown, nil
	}

	// Expiry is checked first so keys deactivated by the sweep are reported
	// as expired rather than revoked.
	now := s.clock.Now()
	switch {
	case record.IsExpired(now) || !record.IsRetained(now):
		return record, resultExpired, nil
	case !record.Active:
		return record, resultRevoked, nil
	case !record.AllowsIP(ip):
		return record, resultIPDenied, nil
	}
	return record, resultValid, nil
}

// RevokeKey marks key inactive. The record is kept.
func (s *Service) RevokeKey(ctx context.Context, key string) error {
	hash := HashKey(key)
	found, err := s.repo.Deactivate(ctx, hash)
	if err != nil {
		return fmt.Errorf("revoking stream key: %w", err)
	}
	if !found {
		return ErrKeyNotFound
	}
	s.logger.InfoContext(ctx, "stream key revoked", slog.String("key_id", hash[:8]))
	return nil
}

// ListKeys returns the records issued to userID.
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*models.StreamKey, error) {
	keys, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing stream keys: %w", err)
	}
	return keys, nil
}

// SweepExpired deactivates keys past their expiry or retention.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired stream keys: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired stream keys deactivated", slog.Int64("count", n))
	}
	return n, nil
}

// deriveAliasKey computes the key for an alias generation. It is
// deterministic, so the plaintext never needs storing.
func (s *Service) deriveAliasKey(alias string, generation int) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(alias))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.Itoa(generation)))
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// GetOrCreateAlias returns the key managed under alias, issuing one if the
// alias is new or its current key is no longer valid.
func (s *Service) GetOrCreateAlias(ctx context.Context, alias, userID, streamID string) (string, error) {
	if !aliasPattern.MatchString(alias) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	if userID == "" {
		return "", models.ErrUserIDRequired
	}
	if streamID == "" {
		return "", models.ErrStreamIDRequired
	}

	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	existing, err := s.repo.GetAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("looking up alias: %w", err)
	}

	generation := 0
	if existing != nil {
		if existing.UserID != userID || existing.StreamID != streamID {
			return "", fmt.Errorf("%w: %q", ErrAliasConflict, alias)
		}
		key := s.deriveAliasKey(alias, existing.Generation)
		record, result, err := s.check(ctx, key, "")
		if err != nil {
			return "", err
		}
		if result == resultValid {
			return key, nil
		}
		generation = existing.Generation
		// A record that exists but lapsed is rotated to a fresh generation.
		if record != nil {
			generation++
		}
	}

	key := s.deriveAliasKey(alias, generation)
	record := s.newRecord(key, userID, streamID)
	record.Alias = alias
	if err := s.repo.Create(ctx, record); err != nil {
		return "", fmt.Errorf("storing alias key: %w", err)
	}
	if err := s.repo.SaveAlias(ctx, &models.StreamKeyAlias{
		Alias:      alias,
		KeyHash:    record.KeyHash,
		UserID:     userID,
		StreamID:   streamID,
		Generation: generation,
	}); err != nil {
		return "", fmt.Errorf("storing alias: %w", err)
	}

	s.logger.InfoContext(ctx, "alias key issued",
		slog.String("alias", alias),
		slog.String("key_id", record.HashPrefix()),
		slog.Int("generation", generation))
	return key, nil
}

// GetKeyByAlias re-derives the key behind alias and returns it only if it
// still validates.
func (s *Service) GetKeyByAlias(ctx context.Context, alias string) (string, error) {
	existing, err := s.repo.GetAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("looking up alias: %w", err)
	}
	if existing == nil {
		return "", ErrKeyNotFound
	}

	key := s.deriveAliasKey(alias, existing.Generation)
	ok, err := s.ValidateKey(ctx, key, "")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidKey
	}
	return key, nil
}
