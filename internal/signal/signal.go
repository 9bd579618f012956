// Package signal defines discrete behavior signals observed on a session and
// the collector that derives them from request context.
//
// A BehaviorSignal is an append-only fact: immutable once recorded except for
// the analyst-set false-positive flag and a late anomaly-score refinement.
// The details payload is a tagged union keyed by the signal type, so scoring
// code never probes an untyped blob for fields.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the closed set of signal variants.
type Type string

const (
	TypeEndpointAccess      Type = "endpoint_access"
	TypeCadenceAnomaly      Type = "cadence_anomaly"
	TypeGeoDrift            Type = "geo_drift"
	TypeUserAgentChange     Type = "user_agent_change"
	TypeTokenAge            Type = "token_age"
	TypePrivilegeEscalation Type = "privilege_escalation"
	TypePrivilegeRevocation Type = "privilege_revocation"
	TypeReauthFailed        Type = "reauth_failed"
	TypeReauthSuccess       Type = "reauth_success"
	TypeIPChange            Type = "ip_change"
	TypeKnownThreat         Type = "known_threat"
	TypeDeviceMismatch      Type = "device_mismatch"
	TypeVPNDetected         Type = "vpn_detected"
	TypeBotDetected         Type = "bot_detected"
	TypeAnomaly             Type = "anomaly"
)

// Types lists every signal variant.
var Types = []Type{
	TypeEndpointAccess, TypeCadenceAnomaly, TypeGeoDrift, TypeUserAgentChange,
	TypeTokenAge, TypePrivilegeEscalation, TypePrivilegeRevocation,
	TypeReauthFailed, TypeReauthSuccess, TypeIPChange, TypeKnownThreat,
	TypeDeviceMismatch, TypeVPNDetected, TypeBotDetected, TypeAnomaly,
}

// Valid reports whether t is a known signal type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Severity classifies how alarming a single signal is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Details is the typed payload carried by a signal. Each variant holds only
// the fields relevant to its signal type.
type Details interface {
	signalType() Type
}

// EndpointDetails describes a sensitive-endpoint access.
type EndpointDetails struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Critical bool   `json:"critical"`
	Pattern  string `json:"pattern,omitempty"`
}

// CadenceDetails describes a request-rate deviation from baseline.
type CadenceDetails struct {
	CurrentPerMinute  float64 `json:"currentPerMinute"`
	BaselinePerMinute float64 `json:"baselinePerMinute"`
	DeviationPct      float64 `json:"deviationPct"`
}

// GeoDetails describes a location change between requests.
type GeoDetails struct {
	PrevLatitude  float64 `json:"prevLatitude"`
	PrevLongitude float64 `json:"prevLongitude"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	DistanceKM    float64 `json:"distanceKm"`
	ElapsedSec    float64 `json:"elapsedSec"`
	SpeedKMH      float64 `json:"speedKmh"`
	City          string  `json:"city,omitempty"`
	Country       string  `json:"country,omitempty"`
}

// UserAgentDetails describes a browser or client change.
type UserAgentDetails struct {
	Previous       string `json:"previous"`
	Current        string `json:"current"`
	FamilyChanged  bool   `json:"familyChanged"`
	VersionChanged bool   `json:"versionChanged"`
}

// TokenAgeDetails carries the session age at observation time.
type TokenAgeDetails struct {
	SessionAgeSec float64 `json:"sessionAgeSec"`
}

// PrivilegeDetails describes a role transition.
type PrivilegeDetails struct {
	FromRole        string `json:"fromRole"`
	ToRole          string `json:"toRole"`
	EscalationDepth int    `json:"escalationDepth"`
}

// ReauthDetails describes a step-up verification outcome.
type ReauthDetails struct {
	ChallengeID    string `json:"challengeId"`
	ChallengeType  string `json:"challengeType"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// IPChangeDetails describes a source address change.
type IPChangeDetails struct {
	PreviousIP string `json:"previousIp"`
	CurrentIP  string `json:"currentIp"`
}

// ThreatDetails carries an external threat-intelligence verdict.
type ThreatDetails struct {
	IPAddress   string   `json:"ipAddress,omitempty"`
	RiskScore   float64  `json:"riskScore"`
	Indicators  []string `json:"indicators,omitempty"`
	Blacklisted bool     `json:"blacklisted"`
}

// DeviceDetails describes an unrecognized device fingerprint.
type DeviceDetails struct {
	Fingerprint string `json:"fingerprint"`
	Trusted     bool   `json:"trusted"`
}

// GenericDetails covers VPN/bot/anomaly observations with no richer shape.
type GenericDetails struct {
	Description string  `json:"description"`
	Score       float64 `json:"score,omitempty"`
}

func (EndpointDetails) signalType() Type  { return TypeEndpointAccess }
func (CadenceDetails) signalType() Type   { return TypeCadenceAnomaly }
func (GeoDetails) signalType() Type       { return TypeGeoDrift }
func (UserAgentDetails) signalType() Type { return TypeUserAgentChange }
func (TokenAgeDetails) signalType() Type  { return TypeTokenAge }
func (PrivilegeDetails) signalType() Type { return TypePrivilegeEscalation }
func (ReauthDetails) signalType() Type    { return TypeReauthSuccess }
func (IPChangeDetails) signalType() Type  { return TypeIPChange }
func (ThreatDetails) signalType() Type    { return TypeKnownThreat }
func (DeviceDetails) signalType() Type    { return TypeDeviceMismatch }
func (GenericDetails) signalType() Type   { return TypeAnomaly }

// DecodeDetails unmarshals a raw payload into the variant for the given type.
func DecodeDetails(t Type, raw json.RawMessage) (Details, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var target Details
	switch t {
	case TypeEndpointAccess:
		target = &EndpointDetails{}
	case TypeCadenceAnomaly:
		target = &CadenceDetails{}
	case TypeGeoDrift:
		target = &GeoDetails{}
	case TypeUserAgentChange:
		target = &UserAgentDetails{}
	case TypeTokenAge:
		target = &TokenAgeDetails{}
	case TypePrivilegeEscalation, TypePrivilegeRevocation:
		target = &PrivilegeDetails{}
	case TypeReauthFailed, TypeReauthSuccess:
		target = &ReauthDetails{}
	case TypeIPChange:
		target = &IPChangeDetails{}
	case TypeKnownThreat:
		target = &ThreatDetails{}
	case TypeDeviceMismatch:
		target = &DeviceDetails{}
	case TypeVPNDetected, TypeBotDetected, TypeAnomaly:
		target = &GenericDetails{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", t, err)
	}
	return target, nil
}

// BehaviorSignal is a single typed observation about session behavior.
type BehaviorSignal struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`

	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`

	// TrustImpact is the signed score contribution in [-100, 100];
	// negative values erode trust, positive values restore it.
	TrustImpact float64 `json:"trustImpact"`
	// Confidence in this observation, [0, 100].
	Confidence float64 `json:"confidence"`
	// AnomalyScore in [0, 100], refinable after the fact.
	AnomalyScore float64 `json:"anomalyScore"`

	Details Details `json:"details,omitempty"`

	// FalsePositive is set by an analyst after the fact and feeds the
	// adaptive threshold policy.
	FalsePositive bool      `json:"falsePositive"`
	CreatedAt     time.Time `json:"createdAt"`
}

// signalJSON is the wire/storage form with the details as raw JSON.
type signalJSON struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	UserID        string          `json:"userId"`
	Type          Type            `json:"type"`
	Severity      Severity        `json:"severity"`
	TrustImpact   float64         `json:"trustImpact"`
	Confidence    float64         `json:"confidence"`
	AnomalyScore  float64         `json:"anomalyScore"`
	Details       json.RawMessage `json:"details,omitempty"`
	FalsePositive bool            `json:"falsePositive"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// MarshalJSON encodes the details payload under its signal-type tag.
func (b *BehaviorSignal) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if b.Details != nil {
		enc, err := json.Marshal(b.Details)
		if err != nil {
			return nil, err
		}
		raw = enc
	}
	return json.Marshal(signalJSON{
		ID: b.ID, SessionID: b.SessionID, UserID: b.UserID,
		Type: b.Type, Severity: b.Severity, TrustImpact: b.TrustImpact,
		Confidence: b.Confidence, AnomalyScore: b.AnomalyScore,
		Details: raw, FalsePositive: b.FalsePositive, CreatedAt: b.CreatedAt,
	})
}

// UnmarshalJSON decodes the details payload into its typed variant.
func (b *BehaviorSignal) UnmarshalJSON(data []byte) error {
	var sj signalJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	details, err := DecodeDetails(sj.Type, sj.Details)
	if err != nil {
		return err
	}
	*b = BehaviorSignal{
		ID: sj.ID, SessionID: sj.SessionID, UserID: sj.UserID,
		Type: sj.Type, Severity: sj.Severity, TrustImpact: sj.TrustImpact,
		Confidence: sj.Confidence, AnomalyScore: sj.AnomalyScore,
		Details: details, FalsePositive: sj.FalsePositive, CreatedAt: sj.CreatedAt,
	}
	return nil
}

// Validate rejects signals with missing or out-of-range required fields.
func (b *BehaviorSignal) Validate() error {
	if b.SessionID == "" || b.UserID == "" {
		return fmt.Errorf("%w: session and user are required", ErrInvalidSignal)
	}
	if !b.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, b.Type)
	}
	if !b.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidSignal, b.Severity)
	}
	if b.TrustImpact < -100 || b.TrustImpact > 100 {
		return fmt.Errorf("%w: trust impact %.1f outside [-100,100]", ErrInvalidSignal, b.TrustImpact)
	}
	if b.Confidence < 0 || b.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.1f outside [0,100]", ErrInvalidSignal, b.Confidence)
	}
	if b.AnomalyScore < 0 || b.AnomalyScore > 100 {
		return fmt.Errorf("%w: anomaly score %.1f outside [0,100]", ErrInvalidSignal, b.AnomalyScore)
	}
	return nil
}

// Sentinel errors for the signal package.
var (
	ErrNotFound      = errors.New("signal: not found")
	ErrUnknownType   = errors.New("signal: unknown signal type")
	ErrInvalidSignal = errors.New("signal: invalid signal")
)
