// Persistent string flags attached to a (chat, user) key.
package flagstore

import (
	"context"
	"sort"
)

// Flags set by the moderation engine.
const (
	// Avatar looked AI-generated at join time. Raises the member's risk weighting.
	FlagSuspiciousAvatar = "suspicious-avatar"
	// Member failed or let a captcha expire at least once.
	FlagCaptchaFailed = "captcha-failed"
)

type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	Remove(ctx context.Context, key string, flags []string) error
}

// Helper for checking a single flag.
func HasFlag(ctx context.Context, fs FlagStore, key, flag string) (bool, error) {
	flags, err := fs.Get(ctx, key)
	if err != nil {
		return false, err
	}
	for _, f := range flags {
		if f == flag {
			return true, nil
		}
	}
	return false, nil
}

func dedupeStrings(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range in {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	sort.Strings(out)
	return out
}
