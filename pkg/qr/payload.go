package qr

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Payload is the decoded content of a scanned attendance QR code.
type Payload struct {
	SessionID string
	Token     string
	// Legacy marks the token-less JSON form still emitted by older
	// clients. Legacy scans carry no replay protection and callers
	// should treat them as reduced trust.
	Legacy bool
}

type legacyPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// BuildURL renders the deep-link form: <base>/attend/<sessionID>?token=<opaque>.
func BuildURL(baseURL, sessionID, token string) string {
	u := strings.TrimRight(baseURL, "/") + "/attend/" + url.PathEscape(sessionID)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Parse decodes either payload form. URL payloads take the path segment
// after /attend/ as the session id and the token query parameter as the
// check-in capability.
func Parse(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty qr payload")
	}

	if strings.HasPrefix(raw, "{") {
		var legacy legacyPayload
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return nil, fmt.Errorf("parse legacy qr payload: %w", err)
		}
		if legacy.Type != "attendance" || legacy.SessionID == "" {
			return nil, fmt.Errorf("unrecognised legacy qr payload")
		}
		return &Payload{SessionID: legacy.SessionID, Legacy: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse qr url: %w", err)
	}
	idx := strings.Index(u.Path, "/attend/")
	if idx < 0 {
		return nil, fmt.Errorf("qr url is not an attendance deep link")
	}
	sessionID := strings.Trim(u.Path[idx+len("/attend/"):], "/")
	if sessionID == "" {
		return nil, fmt.Errorf("qr url missing session id")
	}
	return &Payload{SessionID: sessionID, Token: u.Query().Get("token")}, nil
}

// RenderPNG encodes the payload URL into a scannable PNG image.
func RenderPNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr png: %w", err)
	}
	return png, nil
}
