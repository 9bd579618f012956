// Package challenge issues and resolves step-up verification challenges
// for degraded sessions.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Type is the verification mechanism presented to the user.
type Type string

const (
	TypeDeviceCheck       Type = "device_check"
	TypeEmailVerify       Type = "email_verify"
	TypeOTP               Type = "otp"
	TypeBiometric         Type = "biometric"
	TypePassword2FA       Type = "password_2fa"
	TypeSecurityQuestions Type = "security_questions"
)

// Types lists the supported mechanisms.
var Types = []Type{
	TypeDeviceCheck, TypeEmailVerify, TypeOTP,
	TypeBiometric, TypePassword2FA, TypeSecurityQuestions,
}

// Valid reports whether t is a known mechanism.
func (t Type) Valid() bool {
	switch t {
	case TypeDeviceCheck, TypeEmailVerify, TypeOTP,
		TypeBiometric, TypePassword2FA, TypeSecurityQuestions:
		return true
	}
	return false
}

// Strength grades how much a passed challenge restores trust.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// rank orders strengths for minimum-strength selection.
func (s Strength) rank() int {
	switch s {
	case StrengthStrong:
		return 2
	case StrengthMedium:
		return 1
	default:
		return 0
	}
}

// Strength is the verification strength inherent to the mechanism. The
// orchestrator derives a minimum strength per trigger and only selects
// mechanisms at or above it.
func (t Type) Strength() Strength {
	switch t {
	case TypeDeviceCheck:
		return StrengthWeak
	case TypeEmailVerify, TypeOTP, TypeSecurityQuestions:
		return StrengthMedium
	case TypeBiometric, TypePassword2FA:
		return StrengthStrong
	default:
		return StrengthWeak
	}
}

// TrustRestore is how many composite points a passed challenge of this
// strength recovers.
func (s Strength) TrustRestore() float64 {
	switch s {
	case StrengthStrong:
		return 25
	case StrengthMedium:
		return 15
	default:
		return 8
	}
}

// Status is the challenge lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Trigger records why a challenge was issued.
type Trigger string

const (
	TriggerScoreBelowThreshold Trigger = "trust_score_below_threshold"
	TriggerComponentFloor      Trigger = "component_floor_breach"
	TriggerCriticalSignal      Trigger = "critical_signal"
	TriggerManual              Trigger = "manual"
)

// Attempt is one recorded response to a pending challenge. Only a hash of
// the response is kept.
type Attempt struct {
	At             time.Time `json:"at"`
	ResponseHash   string    `json:"responseHash"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
}

const (
	// DefaultMaxAttempts before the challenge fails outright.
	DefaultMaxAttempts = 3
	// DefaultTTL is how long a pending challenge stays answerable.
	DefaultTTL = 5 * time.Minute
)

// Challenge is one step-up verification demand bound to a session.
type Challenge struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`

	Type     Type     `json:"type"`
	Strength Strength `json:"strength"`
	Status   Status   `json:"status"`
	Trigger  Trigger  `json:"trigger"`
	Reason   string   `json:"reason,omitempty"`

	// AnswerHash is the sha256 of the expected response, set at issuance
	// by the delivery channel. Empty means any response passes (device
	// check style flows verified out of band).
	AnswerHash string `json:"-"`

	MaxAttempts int       `json:"maxAttempts"`
	Attempts    []Attempt `json:"attempts"`

	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ResponseMs  int64      `json:"responseMs,omitempty"`
	FastResolve bool       `json:"fastResolve,omitempty"`
}

// New creates a pending challenge.
func New(id, sessionID, userID string, typ Type, trigger Trigger, reason string, now time.Time) *Challenge {
	return &Challenge{
		ID:          id,
		SessionID:   sessionID,
		UserID:      userID,
		Type:        typ,
		Strength:    typ.Strength(),
		Status:      StatusPending,
		Trigger:     trigger,
		Reason:      reason,
		MaxAttempts: DefaultMaxAttempts,
		IssuedAt:    now,
		ExpiresAt:   now.Add(DefaultTTL),
	}
}

// Expired reports whether a pending challenge has outlived its TTL.
func (c *Challenge) Expired(now time.Time) bool {
	return c.Status == StatusPending && now.After(c.ExpiresAt)
}

// resolve moves a pending challenge into a terminal state.
func (c *Challenge) resolve(status Status, now time.Time) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: challenge %s is %s", ErrTerminalState, c.ID, c.Status)
	}
	c.Status = status
	t := now
	c.ResolvedAt = &t
	return nil
}

// HashResponse is the canonical response digest stored in attempts.
func HashResponse(response string) string {
	sum := sha256.Sum256([]byte(response))
	return hex.EncodeToString(sum[:])
}

// Sentinel errors for the challenge package.
var (
	ErrNotFound      = errors.New("challenge: not found")
	ErrTerminalState = errors.New("challenge: already resolved")
	ErrExpired       = errors.New("challenge: expired")
	ErrSuppressed    = errors.New("challenge: issuance suppressed")
	ErrInvalidType   = errors.New("challenge: invalid challenge type")
)
