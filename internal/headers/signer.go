package headers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Signer computes an HMAC-SHA256 signature over named header fields. The
// data string is the field values joined by ':' with the millisecond
// timestamp appended; the API key is the secret.
type Signer struct {
	// Prefix names the signature headers, e.g. "Iflow" yields
	// X-Iflow-Signature and X-Iflow-Timestamp.
	Prefix string
	// Fields are the header names whose values enter the data string, in
	// order.
	Fields []string

	now func() time.Time
}

// NewSigner creates a signing recipe.
func NewSigner(prefix string, fields []string) *Signer {
	return &Signer{Prefix: prefix, Fields: fields, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (s *Signer) SetClock(now func() time.Time) {
	s.now = now
}

// Sign stamps the signature and timestamp headers. It runs on every retry so
// the timestamp stays within the upstream verification window.
func (s *Signer) Sign(h *headerMap, apiKey string) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	parts := make([]string, 0, len(s.Fields)+1)
	for _, field := range s.Fields {
		parts = append(parts, h.get(field))
	}
	parts = append(parts, ts)
	data := strings.Join(parts, ":")

	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(data))

	h.set("X-"+s.Prefix+"-Signature", hex.EncodeToString(mac.Sum(nil)))
	h.set("X-"+s.Prefix+"-Timestamp", ts)
}
