// Package signature produces the capability signatures carried by challenge
// links. A signature binds a join request to its chat, challenge message,
// user and issuance time so the server can validate a returned claim by
// recomputing it instead of looking anything up.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of the request fields keyed by secret.
// Fields are length-prefixed so a value can never bleed into its neighbour.
func Sign(chatID, messageID, userID, joinTime, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(chatID, messageID, userID, joinTime)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFields is Sign over the integer forms used at issuance time.
func SignFields(chatID int64, messageID int, userID int64, joinTime int64, secret string) string {
	return Sign(
		strconv.FormatInt(chatID, 10),
		strconv.Itoa(messageID),
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(joinTime, 10),
		secret,
	)
}

// Equal compares two signatures in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CorrelationToken derives a short checksum of a raw client payload for
// correlating log lines across systems. It is not an authorization check.
func CorrelationToken(payload, timestamp string) string {
	sum := sha256.Sum256([]byte(timestamp + "\n" + payload))
	return hex.EncodeToString(sum[:8])
}

func canonical(fields ...string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}
