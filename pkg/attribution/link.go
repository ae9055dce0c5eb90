// Package attribution issues and resolves signed short links that carry
// who invited whom, through which loop, towards which first value moment.
package attribution

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

var (
	// ErrLinkNotFound is returned for unknown short codes.
	ErrLinkNotFound = contracts.NewError(contracts.CodeLinkInvalid, "attribution link not found")
	// ErrLinkExpired is returned (once) for a link past its expiry; the link is evicted.
	ErrLinkExpired = contracts.NewError(contracts.CodeLinkExpired, "attribution link expired")
	// ErrSignatureMismatch is returned when a stored link fails verification.
	ErrSignatureMismatch = contracts.NewError(contracts.CodeLinkInvalid, "attribution link signature mismatch")
	// ErrDuplicateCode is returned by stores when a short code is already taken.
	ErrDuplicateCode = errors.New("attribution: short code already exists")
)

// IsNotFound reports whether err means the link cannot be used for attribution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLinkNotFound) || errors.Is(err, ErrLinkExpired) || errors.Is(err, ErrSignatureMismatch)
}

// LinkMetadata is the trusted attribution payload of a link.
type LinkMetadata struct {
	InviterID  string            `json:"inviterId"`
	ReferrerID string            `json:"referrerId,omitempty"`
	LoopID     string            `json:"loopId"`
	Persona    contracts.Persona `json:"persona"`
	FVMType    contracts.FVMType `json:"fvmType"`
	Cohort     string            `json:"cohort,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	ClickCount int64             `json:"clickCount"`
	// InviterDevice is never put in the URL.
	InviterDevice string `json:"inviterDevice,omitempty"`
}

// Link is an attribution link. It is created once per invite and only its
// click count changes afterwards.
type Link struct {
	LinkID    string       `json:"linkId"`
	ShortCode string       `json:"shortCode"`
	ShortURL  string       `json:"shortUrl"`
	FullURL   string       `json:"fullUrl"`
	DeepLink  string       `json:"deepLink"`
	Signature string       `json:"signature"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Metadata  LinkMetadata `json:"metadata"`
}

// Expired reports whether the link is past its expiry at now.
func (l *Link) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// UTM carries campaign tagging layered onto the full URL.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// LinkRequest describes the invite a link is generated for.
type LinkRequest struct {
	InviterID  string
	ReferrerID string
	LoopID     string
	Persona    contracts.Persona
	FVMType    contracts.FVMType
	Cohort     string

	Subject     string
	Skill       string
	Difficulty  string
	ChallengeID string

	// DeviceFingerprint is the inviter's device, kept for self-referral checks.
	DeviceFingerprint string

	UTM UTM

	// ExpiresAt overrides the configured TTL (e.g. a streak's own expiry).
	ExpiresAt time.Time
}

// Click is device telemetry recorded after a resolution.
type Click struct {
	UserAgent         string    `json:"userAgent,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	Referer           string    `json:"referer,omitempty"`
	At                time.Time `json:"at"`
}
