package moderation

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPattern flags links, t.me invites and @mentions.
const DefaultPattern = `(t\.me|http[s]?://|@[\w_]+)`

// Policy is the moderation rule set, usually loaded from policy.yaml.
type Policy struct {
	// Patterns are regular expressions matched case-insensitively against
	// message text. Any match flags the message.
	Patterns []string `yaml:"patterns"`

	// ExemptAdmins skips the content filter for configured admins and chat
	// administrators.
	ExemptAdmins bool `yaml:"exempt_admins"`

	// WarnOnViolation posts a notice when a flagged message is removed.
	WarnOnViolation bool `yaml:"warn_on_violation"`

	// WarnLimit is the warning count at which a user is muted.
	WarnLimit int `yaml:"warn_limit"`

	// Greet welcomes new chat members.
	Greet bool `yaml:"greet"`

	Messages Messages `yaml:"messages"`

	compiled []*regexp.Regexp
}

// Messages are the reply texts. {user}, {count} and {jobs} are substituted.
type Messages struct {
	Start     string `yaml:"start"`
	Admin     string `yaml:"admin"`
	NotAdmin  string `yaml:"not_admin"`
	WarnUsage string `yaml:"warn_usage"`
	Warned    string `yaml:"warned"`
	Muted     string `yaml:"muted"`
	Warnings  string `yaml:"warnings"`
	Stats     string `yaml:"stats"`
	Violation string `yaml:"violation"`
	Greeting  string `yaml:"greeting"`
}

// DefaultPolicy returns the built-in rule set.
func DefaultPolicy() Policy {
	p := Policy{
		Patterns:     []string{DefaultPattern},
		ExemptAdmins: true,
		WarnLimit:    3,
		Greet:        true,
		Messages:     defaultMessages(),
	}
	_ = p.compile()
	return p
}

func defaultMessages() Messages {
	return Messages{
		Start:     "Bot is running.",
		Admin:     "You are an admin.",
		NotAdmin:  "You are not an admin.",
		WarnUsage: "Reply to a user to warn them.",
		Warned:    "User warned. Total warnings: {count}",
		Muted:     "User muted for repeated violations.",
		Warnings:  "{user} has {count} warning(s).",
		Stats:     "Pending deletions: {jobs}",
		Violation: "{user}, links and mentions are not allowed here.",
		Greeting:  "Welcome, {user}! Links and mentions are removed automatically.",
	}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
// Fields absent from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p, err := LoadPolicyBytes(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// LoadPolicyBytes parses a YAML policy from bytes.
func LoadPolicyBytes(data []byte) (Policy, error) {
	p := DefaultPolicy()
	p.Patterns = nil
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse: %w", err)
	}
	applyDefaults(&p)
	if err := p.compile(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// applyDefaults fills in zero-value fields.
func applyDefaults(p *Policy) {
	if len(p.Patterns) == 0 {
		p.Patterns = []string{DefaultPattern}
	}
	if p.WarnLimit <= 0 {
		p.WarnLimit = 3
	}
	d := defaultMessages()
	m := &p.Messages
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&m.Start, d.Start}, {&m.Admin, d.Admin}, {&m.NotAdmin, d.NotAdmin},
		{&m.WarnUsage, d.WarnUsage}, {&m.Warned, d.Warned}, {&m.Muted, d.Muted},
		{&m.Warnings, d.Warnings}, {&m.Stats, d.Stats}, {&m.Violation, d.Violation},
		{&m.Greeting, d.Greeting},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
	}
}

func (p *Policy) compile() error {
	p.compiled = nil
	for _, pat := range p.Patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return fmt.Errorf("policy: pattern %q: %w", pat, err)
		}
		p.compiled = append(p.compiled, re)
	}
	return nil
}

// Flagged reports whether text matches any pattern.
func (p Policy) Flagged(text string) bool {
	for _, re := range p.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// render substitutes placeholders in tmpl.
func render(tmpl, user string, count, jobs int) string {
	return strings.NewReplacer(
		"{user}", user,
		"{count}", strconv.Itoa(count),
		"{jobs}", strconv.Itoa(jobs),
	).Replace(tmpl)
}
