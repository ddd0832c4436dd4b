// Package webapp checks the init data a Telegram Mini App hands to its page.
// The data is signed with a key derived from the bot token, so a valid hash
// proves the user fields came from Telegram.
package webapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHash = errors.New("webapp: init data has no hash")
	ErrBadHash     = errors.New("webapp: init data hash mismatch")
	ErrStale       = errors.New("webapp: init data too old")
)

// User is the subset of the Mini App user object we rely on.
type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// InitData is verified init data.
type InitData struct {
	QueryID  string
	User     *User
	AuthDate time.Time
	Fields   map[string]string
}

// Verifier validates init data for one bot.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier for botToken. A maxAge of zero accepts init
// data of any age.
func NewVerifier(botToken string, maxAge time.Duration) *Verifier {
	return &Verifier{secret: secretKey(botToken), maxAge: maxAge, now: time.Now}
}

func secretKey(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// Verify checks raw (a URL-encoded query string) and returns its fields.
func (v *Verifier) Verify(raw string) (*InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("webapp: parse init data: %w", err)
	}
	got := values.Get("hash")
	if got == "" {
		return nil, ErrMissingHash
	}
	want := hashValues(values, v.secret)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return nil, ErrBadHash
	}

	data := &InitData{QueryID: values.Get("query_id"), Fields: make(map[string]string, len(values))}
	for k := range values {
		if k != "hash" {
			data.Fields[k] = values.Get(k)
		}
	}
	if ad := values.Get("auth_date"); ad != "" {
		sec, err := strconv.ParseInt(ad, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("webapp: auth_date: %w", err)
		}
		data.AuthDate = time.Unix(sec, 0)
	}
	if v.maxAge > 0 && (data.AuthDate.IsZero() || v.now().Sub(data.AuthDate) > v.maxAge) {
		return nil, ErrStale
	}
	if u := values.Get("user"); u != "" {
		var user User
		if err := json.Unmarshal([]byte(u), &user); err != nil {
			return nil, fmt.Errorf("webapp: user: %w", err)
		}
		data.User = &user
	}
	return data, nil
}

// Sign returns values encoded with a valid hash for botToken. It is what
// Telegram does when it opens a Mini App, and is used by tests and tools.
func Sign(values url.Values, botToken string) string {
	signed := url.Values{}
	for k, vs := range values {
		if k != "hash" {
			signed[k] = vs
		}
	}
	signed.Set("hash", hashValues(signed, secretKey(botToken)))
	return signed.Encode()
}

// hashValues computes the hex HMAC of the data-check string: every field but
// hash, as key=value, sorted, joined by newlines.
func hashValues(values url.Values, secret []byte) string {
	pairs := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		pairs = append(pairs, k+"="+values.Get(k))
	}
	sort.Strings(pairs)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
