// Package grouppolicy stores the per-chat moderation rules admins can change
// from inside the group.
package grouppolicy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

const area = "group_policy"

// DefaultComplaintsGuide is shown to rejected users when the group has not
// configured its own appeal channel.
const DefaultComplaintsGuide = "*There is no appeal channel set up for this group, please contact the administrator to join in.*"

// Rule is the policy of one chat.
type Rule struct {
	JoinCheck       bool   `json:"join_check"`       // decline requests whose bio advertises something
	AntiSpam        bool   `json:"anti_spam"`        // reserved for message moderation
	ComplaintsGuide string `json:"complaints_guide"` // where rejected users can appeal
}

// Default returns the rule used for chats without a stored one.
func Default() Rule {
	return Rule{ComplaintsGuide: DefaultComplaintsGuide}
}

// Manager reads and writes rules through a Cache.
type Manager struct {
	cache  Cache
	logger *slog.Logger
}

func NewManager(c Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cache: c, logger: logger}
}

func key(chatID int64) string {
	return area + ":" + strconv.FormatInt(chatID, 10)
}

// Read returns the rule for chatID. A missing or unreadable entry yields
// Default().
func (m *Manager) Read(ctx context.Context, chatID int64) Rule {
	rule := Default()
	if !m.cache.Get(ctx, key(chatID), &rule) {
		if m.cache.Exists(ctx, key(chatID)) {
			m.logger.Debug("group policy unreadable, using defaults", "chat_id", chatID)
		}
		return Default()
	}
	if rule.ComplaintsGuide == "" {
		rule.ComplaintsGuide = DefaultComplaintsGuide
	}
	return rule
}

// Save stores rule for chatID with no expiry.
func (m *Manager) Save(ctx context.Context, chatID int64, rule Rule) error {
	if err := m.cache.Set(ctx, key(chatID), rule, 0); err != nil {
		return fmt.Errorf("save group policy %d: %w", chatID, err)
	}
	return nil
}

var (
	linkPattern    = regexp.MustCompile(`(?i)(https?://|t\.me/|www\.)\S+`)
	mentionPattern = regexp.MustCompile(`(^|\s)@[A-Za-z][A-Za-z0-9_]{3,}`)
)

// SuspiciousBio reports whether a requester's bio carries a link or an
// @mention, the usual shape of advertising accounts.
func SuspiciousBio(bio string) bool {
	return linkPattern.MatchString(bio) || mentionPattern.MatchString(bio)
}
