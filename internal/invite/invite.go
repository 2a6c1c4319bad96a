// Package invite generates and parses QR-code pairing invites that let
// a new device join a SyncJams group without typing in a broadcast
// address by hand (spec §9 domain-stack item 5).
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// Prefix is the URL scheme embedded in every encoded invite.
const Prefix = "syncjams://"

// DefaultExpiry is how long a generated invite remains acceptable.
const DefaultExpiry = 1 * time.Hour

// Invite carries everything a joining node needs to start gossiping
// with an existing group: which group, and where to send datagrams.
type Invite struct {
	GroupID     string `json:"g"`
	Destination string `json:"d"` // host:port to broadcast/multicast to
	Port        int    `json:"p"`
	CreatedAt   int64  `json:"c"`
	ExpiresAt   int64  `json:"e"`
}

// New creates an invite for joining destination:port, valid for expiry.
// A fresh GroupID is minted if groupID is empty, so the first node in a
// session can call New("", dest, port, expiry) to start one.
func New(groupID, destination string, port int, expiry time.Duration) Invite {
	if groupID == "" {
		groupID = uuid.NewString()
	}
	now := time.Now()
	return Invite{
		GroupID:     groupID,
		Destination: destination,
		Port:        port,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(expiry).Unix(),
	}
}

// Encode serializes the invite to a compact, URL-safe string.
func (i Invite) Encode() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("invite: encode: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// Parse decodes an invite string produced by Encode, rejecting it if
// already expired.
func Parse(s string) (Invite, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Invite{}, fmt.Errorf("invite: missing %q prefix", Prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
	if err != nil {
		return Invite{}, fmt.Errorf("invite: invalid encoding: %w", err)
	}

	var inv Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Invite{}, fmt.Errorf("invite: invalid payload: %w", err)
	}
	if inv.IsExpired() {
		return Invite{}, fmt.Errorf("invite: expired")
	}
	return inv, nil
}

// IsExpired reports whether the invite is past its expiry time.
func (i Invite) IsExpired() bool {
	return time.Now().Unix() > i.ExpiresAt
}

// QRPNG renders the invite as a PNG-encoded QR code suitable for a
// phone camera to scan.
func (i Invite) QRPNG() ([]byte, error) {
	encoded, err := i.Encode()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(encoded, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("invite: render QR: %w", err)
	}
	return png, nil
}

// QRTerminal renders the invite as an ASCII-art QR code for a text
// console, handy when pairing over SSH.
func (i Invite) QRTerminal() (string, error) {
	encoded, err := i.Encode()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("invite: render terminal QR: %w", err)
	}
	return qr.ToSmallString(false), nil
}
