package attribution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/kfactor/pkg/canonicalize"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
)

const (
	// ShortCodeLength is the fixed length of every short code.
	ShortCodeLength = 8
	// DefaultTTL applies when neither the request nor the loop sets one.
	DefaultTTL = 30 * 24 * time.Hour

	maxCodeAttempts = 4
)

// Config configures the link service.
type Config struct {
	Host        string
	Secret      []byte
	Environment string
	DefaultTTL  time.Duration
	// LoopTTL overrides DefaultTTL per loop id.
	LoopTTL map[string]time.Duration
}

// Service generates and resolves attribution links.
type Service struct {
	store      Store
	host       string
	key        []byte
	defaultTTL time.Duration
	loopTTL    map[string]time.Duration

	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option customises a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDSource replaces the random link id generator.
func WithIDSource(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService derives the signing key from cfg.Secret with HKDF-SHA256,
// bound to the environment, so links signed in one environment never verify
// in another.
func NewService(store Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("attribution: store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("attribution: signing secret is required")
	}
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Host, "https://"), "http://"), "/")
	if host == "" {
		return nil, fmt.Errorf("attribution: link host is required")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, cfg.Secret, []byte("kfactor-link-kdf"), []byte("link-signing/"+cfg.Environment))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("attribution: HKDF derivation failed: %w", err)
	}

	s := &Service{
		store:      store,
		host:       host,
		key:        key,
		defaultTTL: cfg.DefaultTTL,
		loopTTL:    make(map[string]time.Duration, len(cfg.LoopTTL)),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		logger:     slog.Default().With("component", "attribution"),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	for loop, ttl := range cfg.LoopTTL {
		s.loopTTL[loop] = ttl
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the link lifetime for a loop.
func (s *Service) TTL(loopID string) time.Duration {
	if ttl, ok := s.loopTTL[loopID]; ok && ttl > 0 {
		return ttl
	}
	return s.defaultTTL
}

// GenerateLink creates and stores a signed link for req.
func (s *Service) GenerateLink(ctx context.Context, req LinkRequest) (*Link, error) {
	if strings.TrimSpace(req.InviterID) == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "link inviterId is required")
	}
	if strings.TrimSpace(req.LoopID) == "" {
		return nil, contracts.NewError(contracts.CodeValidation, "link loopId is required")
	}
	if !req.FVMType.Valid() {
		return nil, contracts.Errorf(contracts.CodeValidation, "unknown fvm type %q", req.FVMType)
	}

	now := s.now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.TTL(req.LoopID))
	}
	if !expiresAt.After(now) {
		return nil, contracts.NewError(contracts.CodeValidation, "link would already be expired")
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		linkID := s.newID()
		sig, err := s.sign(linkID, req.InviterID, req.LoopID)
		if err != nil {
			return nil, err
		}
		code := ShortCode(linkID)
		deepLink := deepLinkPath(req) + encode(fvmParams(req))

		link := &Link{
			LinkID:    linkID,
			ShortCode: code,
			ShortURL:  fmt.Sprintf("https://%s/l/%s", s.host, code),
			FullURL:   fmt.Sprintf("https://%s%s%s", s.host, deepLinkPath(req), encode(fullParams(req, linkID, sig))),
			DeepLink:  deepLink,
			Signature: sig,
			ExpiresAt: expiresAt.UTC(),
			Metadata: LinkMetadata{
				InviterID:  req.InviterID,
				ReferrerID: req.ReferrerID,
				LoopID:     req.LoopID,
				Persona:    req.Persona,
				FVMType:    req.FVMType,
				Cohort:     req.Cohort,
				CreatedAt:  now,

				InviterDevice: req.DeviceFingerprint,
			},
		}

		err = s.store.Create(ctx, link)
		if errors.Is(err, ErrDuplicateCode) {
			s.logger.WarnContext(ctx, "short_code_collision", "short_code", code, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("attribution: store link: %w", err)
		}
		s.logger.DebugContext(ctx, "link_generated", "short_code", code, "loop_id", req.LoopID, "inviter_id", req.InviterID)
		return link, nil
	}
	return nil, fmt.Errorf("attribution: no free short code after %d attempts", maxCodeAttempts)
}

// ResolveLink returns the link for shortCode and increments its click count.
// Unknown, expired and tampered links all resolve to an error; expired links
// are evicted here.
func (s *Service) ResolveLink(ctx context.Context, shortCode string) (*Link, error) {
	code := NormalizeCode(shortCode)
	link, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			s.metrics.ObserveLinkResolution("not_found")
		}
		return nil, err
	}
	if link.Expired(s.now()) {
		if err := s.store.Delete(ctx, code); err != nil {
			s.logger.WarnContext(ctx, "expired_link_evict_failed", "short_code", code, "error", err)
		}
		s.metrics.ObserveLinkResolution("expired")
		return nil, ErrLinkExpired
	}
	if !s.Verify(link) {
		s.metrics.ObserveLinkResolution("invalid")
		s.logger.WarnContext(ctx, "link_signature_mismatch", "short_code", code)
		return nil, ErrSignatureMismatch
	}

	n, err := s.store.IncrementClicks(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("attribution: increment clicks: %w", err)
	}
	link.Metadata.ClickCount = n
	s.metrics.ObserveLinkResolution("ok")
	return link, nil
}

// TrackClick records device telemetry for fraud signals. Repeating the same
// click is a no-op. It grants no attribution on its own.
func (s *Service) TrackClick(ctx context.Context, shortCode string, click Click) error {
	if click.At.IsZero() {
		click.At = s.now().UTC()
	}
	fp := clickFingerprint(click)
	recorded, err := s.store.RecordClick(ctx, NormalizeCode(shortCode), fp, click)
	if err != nil {
		return fmt.Errorf("attribution: track click: %w", err)
	}
	if recorded {
		s.logger.DebugContext(ctx, "link_click_tracked", "short_code", shortCode, "fingerprint", fp[:12])
	}
	return nil
}

// Verify recomputes the link signature.
func (s *Service) Verify(link *Link) bool {
	if link == nil {
		return false
	}
	want, err := s.sign(link.LinkID, link.Metadata.InviterID, link.Metadata.LoopID)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(link.Signature)
	if err != nil {
		return false
	}
	wantBytes, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantBytes)
}

type signaturePayload struct {
	LinkID string `json:"linkId"`
	UserID string `json:"userId"`
	LoopID string `json:"loopId"`
}

func (s *Service) sign(linkID, userID, loopID string) (string, error) {
	msg, err := canonicalize.JCS(signaturePayload{LinkID: linkID, UserID: userID, LoopID: loopID})
	if err != nil {
		return "", fmt.Errorf("attribution: canonicalize signature payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ShortCode derives the fixed-length public code from a link id.
func ShortCode(linkID string) string {
	sum := sha256.Sum256([]byte(linkID))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])[:ShortCodeLength]
}

// NormalizeCode upper-cases and trims user-supplied codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func deepLinkPath(req LinkRequest) string {
	switch req.FVMType {
	case contracts.FVMPractice:
		return "/practice/start"
	case contracts.FVMAITutor:
		return "/ai-tutor/start"
	case contracts.FVMSession:
		return "/session/book"
	case contracts.FVMChallenge:
		if req.ChallengeID != "" {
			return "/challenge/" + url.PathEscape(req.ChallengeID)
		}
		return "/challenge/start"
	}
	return "/"
}

func fvmParams(req LinkRequest) url.Values {
	q := url.Values{}
	set(q, "subject", req.Subject)
	set(q, "skill", req.Skill)
	set(q, "difficulty", req.Difficulty)
	set(q, "challenge", req.ChallengeID)
	return q
}

func fullParams(req LinkRequest, linkID, sig string) url.Values {
	q := fvmParams(req)
	q.Set("linkId", linkID)
	q.Set("sig", sig)
	set(q, "loop", req.LoopID)
	set(q, "persona", req.Persona.String())
	set(q, "fvm", string(req.FVMType))

	utm := req.UTM
	if utm.Source == "" {
		utm.Source = "referral"
	}
	if utm.Medium == "" {
		utm.Medium = "viral_loop"
	}
	if utm.Campaign == "" {
		utm.Campaign = req.LoopID
	}
	set(q, "utm_source", utm.Source)
	set(q, "utm_medium", utm.Medium)
	set(q, "utm_campaign", utm.Campaign)
	set(q, "utm_term", utm.Term)
	set(q, "utm_content", utm.Content)
	set(q, "ref", req.InviterID)
	set(q, "referrer", req.ReferrerID)
	return q
}

func set(q url.Values, key, value string) {
	value = norm.NFC.String(strings.TrimSpace(value))
	if value != "" {
		q.Set(key, value)
	}
}

func encode(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func clickFingerprint(c Click) string {
	fp, err := canonicalize.CanonicalHash(struct {
		Device    string `json:"device"`
		IP        string `json:"ip"`
		UserAgent string `json:"ua"`
	}{c.DeviceFingerprint, c.IPAddress, c.UserAgent})
	if err != nil {
		return canonicalize.HashBytes([]byte(c.DeviceFingerprint + "\x00" + c.IPAddress + "\x00" + c.UserAgent))
	}
	return fp
}
