package blob

import (
	"regexp"
	"strings"
)

var (
	unsafeRunes = regexp.MustCompile(`[^a-z0-9._-]+`)
	dashRuns    = regexp.MustCompile(`-{2,}`)
)

// PrefixFromEmail derives a stable, key-safe namespace prefix from a mailbox
// address, so several mailboxes can share one bucket. The sanitized address
// becomes part of every object key; callers opt into that explicitly.
func PrefixFromEmail(email string) string {
	s := strings.ToLower(strings.TrimSpace(email))
	s = strings.ReplaceAll(s, "@", "-at-")
	s = unsafeRunes.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "gmail"
	}
	return "gmail-backup/" + s
}
