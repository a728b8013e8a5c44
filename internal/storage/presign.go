package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
)

// Presigner mints and verifies HMAC-signed upload URLs. The signature
// binds method, key and expiry, so a presigned PUT for one key cannot
// be replayed against another.
type Presigner struct {
	secret []byte
	now    func() time.Time
}

// NewPresigner requires a non-empty signing secret.
func NewPresigner(secret []byte) (*Presigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: presign secret required", domain.ErrValidation)
	}
	return &Presigner{secret: secret, now: time.Now}, nil
}

// PresignedURL is the triple handed back to the uploader.
type PresignedURL struct {
	Path         string `json:"uploadUrl"`
	Key          string `json:"key"`
	ExpiresInSec int    `json:"expiresInSec"`
}

// Sign produces a relative upload URL for a PUT of key, valid for ttl.
func (p *Presigner) Sign(key string, ttl time.Duration) PresignedURL {
	expires := p.now().Add(ttl).Unix()
	sig := p.signature("PUT", key, expires)
	return PresignedURL{
		Path:         fmt.Sprintf("/upload/%s?expires=%d&sig=%s", key, expires, sig),
		Key:          key,
		ExpiresInSec: int(ttl.Seconds()),
	}
}

// Verify checks the signature and expiry on an incoming upload.
func (p *Presigner) Verify(method, key, expiresStr, sig string) error {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed expiry", domain.ErrValidation)
	}
	if p.now().Unix() > expires {
		return fmt.Errorf("%w: upload URL expired", domain.ErrAuthDenied)
	}
	expected := p.signature(method, key, expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: upload signature mismatch", domain.ErrAuthDenied)
	}
	return nil
}

func (p *Presigner) signature(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
