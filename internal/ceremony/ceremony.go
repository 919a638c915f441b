// ABOUTME: WebAuthn-style challenge, attestation and assertion ceremonies
// ABOUTME: One-time challenges in the credential store, real COSE signature checks

package ceremony

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/google/uuid"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/device"
	"github.com/meridian/edge-gateway/internal/kv"
)

// Ceremony errors
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeConsumed = errors.New("challenge already consumed")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeMismatch = errors.New("challenge mismatch")
	ErrOriginMismatch    = errors.New("origin mismatch")
	ErrTypeMismatch      = errors.New("ceremony type mismatch")
	ErrBadAttestation    = errors.New("malformed attestation")
	ErrBadAssertion      = errors.New("assertion verification failed")
	ErrCounterReplay     = errors.New("authenticator counter replay")
	ErrDeviceNotEnrolled = errors.New("device is not enrolled")
)

// Type distinguishes the two ceremonies.
type Type string

const (
	TypeRegistration   Type = "registration"
	TypeAuthentication Type = "authentication"
)

// clientDataType is the literal each ceremony expects inside clientDataJSON.
func (t Type) clientDataType() string {
	if t == TypeRegistration {
		return "webauthn.create"
	}
	return "webauthn.get"
}

// Challenge is a one-time nonce stored for the duration of a ceremony.
type Challenge struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Challenge []byte    `json:"challenge"`
	Type      Type      `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// DefaultChallengeTTL bounds how long a ceremony may take.
const DefaultChallengeTTL = 5 * time.Minute

// challengeSize is the RFC-recommended minimum of 16 bytes, doubled.
const challengeSize = 32

// Verifier runs registration and authentication ceremonies. Challenge
// consumption goes through the store's CompareAndSwap, so a challenge is
// usable exactly once even across concurrent requests.
type Verifier struct {
	store    kv.Store
	devices  *device.Registry
	recorder *audit.Recorder
	ttl      time.Duration
	logger   *slog.Logger
}

// NewVerifier creates a Verifier. A ttl <= 0 uses DefaultChallengeTTL.
func NewVerifier(store kv.Store, devices *device.Registry, recorder *audit.Recorder, ttl time.Duration, logger *slog.Logger) *Verifier {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		store:    store,
		devices:  devices,
		recorder: recorder,
		ttl:      ttl,
		logger:   logger.With("component", "ceremony"),
	}
}

func challengeKey(id string) string { return "challenge:" + id }

// Begin starts a ceremony of the given type for subject: 32 random bytes
// persisted under a fresh challenge id with a short TTL.
func (v *Verifier) Begin(ctx context.Context, subject string, typ Type) (*Challenge, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}

	ch := &Challenge{
		ID:        uuid.New().String(),
		Subject:   subject,
		Challenge: raw,
		Type:      typ,
		ExpiresAt: time.Now().UTC().Add(v.ttl),
	}

	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshaling challenge: %w", err)
	}
	if err := v.store.Put(ctx, challengeKey(ch.ID), data, v.ttl); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	v.logger.Debug("challenge issued", "challenge_id", ch.ID, "subject", subject, "type", typ)
	return ch, nil
}

// consume atomically marks a challenge used. Exactly one caller wins; a
// second attempt fails whether or not the first ceremony then succeeded.
func (v *Verifier) consume(ctx context.Context, id string, typ Type) (*Challenge, error) {
	prev, err := v.store.Get(ctx, challengeKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal(prev, &ch); err != nil {
		return nil, fmt.Errorf("unmarshaling challenge: %w", err)
	}

	if ch.Used {
		return nil, ErrChallengeConsumed
	}
	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	if ch.Type != typ {
		return nil, ErrTypeMismatch
	}

	ch.Used = true
	next, err := json.Marshal(&ch)
	if err != nil {
		return nil, fmt.Errorf("marshaling challenge: %w", err)
	}

	if err := v.store.CompareAndSwap(ctx, challengeKey(id), prev, next, 0); err != nil {
		switch {
		case errors.Is(err, kv.ErrCASMismatch):
			return nil, ErrChallengeConsumed
		case errors.Is(err, kv.ErrNotFound):
			return nil, ErrChallengeNotFound
		default:
			return nil, fmt.Errorf("consuming challenge: %w", err)
		}
	}
	return &ch, nil
}

// collectedClientData is the browser-constructed JSON the authenticator
// signs over.
type collectedClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// checkClientData validates challenge echo, origin and ceremony type.
func checkClientData(clientDataJSON []byte, ch *Challenge, expectedOrigin string) error {
	var cd collectedClientData
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAttestation, err)
	}

	want := base64.RawURLEncoding.EncodeToString(ch.Challenge)
	if cd.Challenge != want {
		return ErrChallengeMismatch
	}
	if cd.Origin != expectedOrigin {
		return ErrOriginMismatch
	}
	if cd.Type != ch.Type.clientDataType() {
		return ErrTypeMismatch
	}
	return nil
}

// FinishRegistrationParams carries the client's attestation response.
type FinishRegistrationParams struct {
	ChallengeID       string
	AttestationObject []byte
	ClientDataJSON    []byte
	ExpectedOrigin    string
	Class             device.Class
	Transports        []string
}

// FinishRegistration consumes the challenge, validates clientDataJSON,
// extracts the credential public key from the attestation object and
// registers the device with counter 0.
func (v *Verifier) FinishRegistration(ctx context.Context, p FinishRegistrationParams) (*device.Device, error) {
	ch, err := v.consume(ctx, p.ChallengeID, TypeRegistration)
	if err != nil {
		return nil, err
	}

	if err := checkClientData(p.ClientDataJSON, ch, p.ExpectedOrigin); err != nil {
		v.recordEnrollment(ctx, ch.Subject, "", false, err)
		return nil, err
	}

	var att protocol.AttestationObject
	if err := webauthncbor.Unmarshal(p.AttestationObject, &att); err != nil {
		v.recordEnrollment(ctx, ch.Subject, "", false, ErrBadAttestation)
		return nil, fmt.Errorf("%w: decoding attestation object: %v", ErrBadAttestation, err)
	}
	if err := att.AuthData.Unmarshal(att.RawAuthData); err != nil {
		v.recordEnrollment(ctx, ch.Subject, "", false, ErrBadAttestation)
		return nil, fmt.Errorf("%w: decoding authenticator data: %v", ErrBadAttestation, err)
	}

	keyBytes := att.AuthData.AttData.CredentialPublicKey
	if len(keyBytes) == 0 {
		v.recordEnrollment(ctx, ch.Subject, "", false, ErrBadAttestation)
		return nil, fmt.Errorf("%w: attestation carries no credential public key", ErrBadAttestation)
	}

	parsedKey, err := webauthncose.ParsePublicKey(keyBytes)
	if err != nil {
		v.recordEnrollment(ctx, ch.Subject, "", false, ErrBadAttestation)
		return nil, fmt.Errorf("%w: parsing credential public key: %v", ErrBadAttestation, err)
	}

	class := p.Class
	if class == "" {
		class = device.ClassPlatform
	}

	d := &device.Device{
		Subject:      ch.Subject,
		Class:        class,
		PublicKey:    keyBytes,
		PublicKeyAlg: coseAlgorithm(parsedKey),
		AAGUID:       att.AuthData.AttData.AAGUID,
		Transports:   p.Transports,
		Attestation:  p.AttestationObject,
		SignCount:    0,
		Status:       device.StatusEnrolled,
	}
	if err := v.devices.Create(ctx, d); err != nil {
		v.recordEnrollment(ctx, ch.Subject, "", false, err)
		return nil, fmt.Errorf("registering device: %w", err)
	}

	v.recordEnrollment(ctx, ch.Subject, d.ID, true, nil)
	v.logger.Info("device enrolled", "device_id", d.ID, "subject", ch.Subject, "class", class)
	return d, nil
}

// FinishAuthenticationParams carries the client's assertion response.
type FinishAuthenticationParams struct {
	ChallengeID       string
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
	ExpectedOrigin    string
	Device            *device.Device
}

// FinishAuthentication consumes the challenge, validates clientDataJSON,
// verifies the assertion signature against the device's stored public key
// over authenticatorData || SHA256(clientDataJSON), and enforces counter
// monotonicity. The caller persists the returned counter on success.
func (v *Verifier) FinishAuthentication(ctx context.Context, p FinishAuthenticationParams) (uint32, error) {
	ch, err := v.consume(ctx, p.ChallengeID, TypeAuthentication)
	if err != nil {
		return 0, err
	}

	d := p.Device
	if d == nil || d.Status != device.StatusEnrolled {
		v.recordAuth(ctx, ch.Subject, deviceID(d), false, ErrDeviceNotEnrolled)
		return 0, ErrDeviceNotEnrolled
	}
	// The challenge binds the ceremony to one subject; a different
	// subject's device cannot complete it.
	if d.Subject != ch.Subject {
		v.recordAuth(ctx, ch.Subject, d.ID, false, ErrDeviceNotEnrolled)
		return 0, ErrDeviceNotEnrolled
	}

	if err := checkClientData(p.ClientDataJSON, ch, p.ExpectedOrigin); err != nil {
		v.recordAuth(ctx, ch.Subject, d.ID, false, err)
		return 0, err
	}

	parsedKey, err := webauthncose.ParsePublicKey(d.PublicKey)
	if err != nil {
		v.recordAuth(ctx, ch.Subject, d.ID, false, ErrBadAssertion)
		return 0, fmt.Errorf("%w: parsing stored public key: %v", ErrBadAssertion, err)
	}

	clientDataHash := sha256.Sum256(p.ClientDataJSON)
	signed := append(append([]byte(nil), p.AuthenticatorData...), clientDataHash[:]...)

	ok, err := webauthncose.VerifySignature(parsedKey, signed, p.Signature)
	if err != nil || !ok {
		v.recordAuth(ctx, ch.Subject, d.ID, false, ErrBadAssertion)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadAssertion, err)
		}
		return 0, ErrBadAssertion
	}

	var authData protocol.AuthenticatorData
	if err := authData.Unmarshal(p.AuthenticatorData); err != nil {
		v.recordAuth(ctx, ch.Subject, d.ID, false, ErrBadAssertion)
		return 0, fmt.Errorf("%w: decoding authenticator data: %v", ErrBadAssertion, err)
	}

	// Monotonic counter defends against cloned keys. Authenticators that
	// never implement counters report zero on both sides; that pair is the
	// only equality allowed.
	if authData.Counter <= d.SignCount && !(authData.Counter == 0 && d.SignCount == 0) {
		v.recordAuth(ctx, ch.Subject, d.ID, false, ErrCounterReplay)
		return 0, ErrCounterReplay
	}

	v.recordAuth(ctx, ch.Subject, d.ID, true, nil)
	v.logger.Info("device authenticated", "device_id", d.ID, "subject", ch.Subject, "counter", authData.Counter)
	return authData.Counter, nil
}

func (v *Verifier) recordEnrollment(ctx context.Context, subject, devID string, success bool, cause error) {
	e := &audit.Event{
		Subject:    subject,
		DeviceID:   devID,
		Action:     audit.ActionDeviceEnrolled,
		TargetType: "device",
		TargetID:   devID,
		Success:    success,
	}
	if cause != nil {
		e.ErrorCode = cause.Error()
	}
	_ = v.recorder.Record(ctx, e)
}

func (v *Verifier) recordAuth(ctx context.Context, subject, devID string, success bool, cause error) {
	action := audit.ActionDeviceAuth
	if !success {
		action = audit.ActionDeviceAuthFailure
	}
	e := &audit.Event{
		Subject:    subject,
		DeviceID:   devID,
		Action:     action,
		TargetType: "device",
		TargetID:   devID,
		Success:    success,
	}
	if cause != nil {
		e.ErrorCode = cause.Error()
	}
	_ = v.recorder.Record(ctx, e)
}

func deviceID(d *device.Device) string {
	if d == nil {
		return ""
	}
	return d.ID
}

// coseAlgorithm extracts the COSE algorithm identifier from a parsed key.
func coseAlgorithm(parsedKey any) int64 {
	switch k := parsedKey.(type) {
	case webauthncose.EC2PublicKeyData:
		return k.Algorithm
	case webauthncose.OKPPublicKeyData:
		return k.Algorithm
	case webauthncose.RSAPublicKeyData:
		return k.Algorithm
	default:
		return 0
	}
}
