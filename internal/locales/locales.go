// Package locales holds the user-facing message strings in every supported
// language. Built-in tables can be overridden from a YAML file that is
// reloaded at runtime.
package locales

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Message keys.
const (
	VerifyJoin   = "verify_join"
	InviteGroup  = "invite_group"
	ExpiredJoin  = "expired_join"
	ButtonVerify = "button_verify"
)

// Fallback is used for unknown languages and missing keys.
const Fallback = "en"

var builtin = map[string]map[string]string{
	"en": {
		VerifyJoin:   "Click the button below to prove you are not a robot, it will be expired in 3 minutes. If you think its too difficult, you can try use mobile app.",
		InviteGroup:  "You can invite me to your group by clicking the button below, btw i need some permissions to work properly.",
		ExpiredJoin:  "Your join request is expired, so i rejected it.",
		ButtonVerify: "Verify",
	},
	"zh": {
		VerifyJoin:   "点击下方按钮证明你不是机器人，否则 3 分钟后您的加入请求会被自动拒绝。如果你认为验证太难，可以在 Telegram APP 一键验证。",
		InviteGroup:  "你可以通过点击下方按钮邀请我加入你的群组，顺便我需要一些权限才能正常工作。",
		ExpiredJoin:  "您的加入请求已经过期，所以我拒绝了它。",
		ButtonVerify: "验证",
	},
}

// Catalog resolves message keys per language. It is safe for concurrent use.
type Catalog struct {
	path string

	mu     sync.RWMutex
	tables map[string]map[string]string
}

// New returns a Catalog seeded with the built-in tables and, when path is
// non-empty and exists, the overrides in it.
func New(path string) (*Catalog, error) {
	c := &Catalog{path: path, tables: cloneTables(builtin)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the override file, if any.
func (c *Catalog) Path() string {
	return c.path
}

// Reload re-reads the override file. A missing file resets to the built-in
// tables; a malformed one leaves the current tables in place.
func (c *Catalog) Reload() error {
	tables := cloneTables(builtin)
	if c.path != "" {
		data, err := os.ReadFile(c.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read locales: %w", err)
		default:
			var overrides map[string]map[string]string
			if err := yaml.Unmarshal(data, &overrides); err != nil {
				return fmt.Errorf("parse locales %s: %w", c.path, err)
			}
			for lang, msgs := range overrides {
				lang = normalize(lang)
				if tables[lang] == nil {
					tables[lang] = make(map[string]string, len(msgs))
				}
				for k, v := range msgs {
					tables[lang][k] = v
				}
			}
		}
	}

	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()
	return nil
}

// Get returns the message for key in lang, falling back to English and
// finally to the key itself.
func (c *Catalog) Get(lang, key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if msg, ok := c.tables[normalize(lang)][key]; ok {
		return msg
	}
	if msg, ok := c.tables[Fallback][key]; ok {
		return msg
	}
	return key
}

// Languages lists the languages with at least one message.
func (c *Catalog) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for lang := range c.tables {
		out = append(out, lang)
	}
	return out
}

// normalize maps Telegram language codes such as "zh-hans" or "en-US" to the
// table names used here.
func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return Fallback
	}
	return lang
}

func cloneTables(src map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(src))
	for lang, msgs := range src {
		m := make(map[string]string, len(msgs))
		for k, v := range msgs {
			m[k] = v
		}
		out[lang] = m
	}
	return out
}
