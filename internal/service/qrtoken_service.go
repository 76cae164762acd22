package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/attendance-api/internal/models"
	appErrors "github.com/campushq/attendance-api/pkg/errors"
	"github.com/campushq/attendance-api/pkg/qr"
)

const qrTokenBytes = 32

// QRTokenService mints and validates session-bound check-in tokens. A
// token is a write capability (it authorises marking attendance), so the
// value comes from crypto/rand and comparisons are constant time.
type QRTokenService struct {
	baseURL         string
	defaultValidity time.Duration
	logger          *zap.Logger
}

// NewQRTokenService constructs the token service.
func NewQRTokenService(baseURL string, defaultValidity time.Duration, logger *zap.Logger) *QRTokenService {
	if defaultValidity <= 0 {
		defaultValidity = 90 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QRTokenService{baseURL: baseURL, defaultValidity: defaultValidity, logger: logger}
}

// Issue generates an opaque token expiring at now + validFor. A
// non-positive validFor falls back to the configured default window.
func (s *QRTokenService) Issue(validFor time.Duration, now time.Time) (string, time.Time, error) {
	if validFor <= 0 {
		validFor = s.defaultValidity
	}
	buf := make([]byte, qrTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate qr token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, now.Add(validFor).UTC(), nil
}

// Validate checks the presented token against the session's current one.
// A token is only good while its session is ACTIVE, unlocked and before
// expiry; extending a session moves the expiry without rotating the value,
// so already-distributed QR codes keep working.
func (s *QRTokenService) Validate(session *models.AttendanceSession, presented string, now time.Time) error {
	if session == nil || presented == "" {
		return appErrors.ErrInvalidToken
	}
	if !session.Open() {
		return appErrors.ErrSessionNotOpen
	}
	if session.QRToken == nil || session.QRTokenExpiry == nil {
		return appErrors.Clone(appErrors.ErrInvalidToken, "session has no active QR token")
	}
	if !now.Before(*session.QRTokenExpiry) {
		return appErrors.Clone(appErrors.ErrInvalidToken, "QR code expired, ask the lecturer to refresh it")
	}
	if subtle.ConstantTimeCompare([]byte(*session.QRToken), []byte(presented)) != 1 {
		return appErrors.ErrInvalidToken
	}
	return nil
}

// PayloadURL renders the scannable deep link for a session token.
func (s *QRTokenService) PayloadURL(sessionID, token string) string {
	return qr.BuildURL(s.baseURL, sessionID, token)
}

// RenderPNG encodes the session's deep link as a QR PNG.
func (s *QRTokenService) RenderPNG(sessionID, token string, size int) ([]byte, error) {
	return qr.RenderPNG(s.PayloadURL(sessionID, token), size)
}

// ParsePayload decodes a scanned payload, accepting both the URL form and
// the legacy token-less JSON form. Legacy scans are logged: they bypass
// token validation and carry no replay protection.
func (s *QRTokenService) ParsePayload(raw string) (*qr.Payload, error) {
	payload, err := qr.Parse(raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "unrecognised QR payload")
	}
	if payload.Legacy {
		s.logger.Warn("legacy token-less qr payload accepted",
			zap.String("session_id", payload.SessionID))
	}
	return payload, nil
}
