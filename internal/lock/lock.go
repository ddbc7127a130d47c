// Package lock provides the exclusive sections that serialize consolidations
// touching the same cluster. Keys name either a sighting value (so two
// sightings that would create the same identity serialize) or a cluster
// primary (so sightings that read or rewrite the same cluster serialize).
package lock

import (
	"context"
	"sort"
	"strconv"
)

// Unlock releases every key acquired by one Lock call. It is safe to call more
// than once.
type Unlock func()

// Locker acquires all keys or none. Implementations must honor ctx while
// waiting and must acquire keys in a global order so overlapping key sets
// cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys []string) (Unlock, error)
}

func EmailKey(email string) string { return "email:" + email }

func PhoneKey(phone string) string { return "phone:" + phone }

func ContactKey(id int64) string { return "contact:" + strconv.FormatInt(id, 10) }

// Covers reports whether every key in want is part of held.
func Covers(held, want []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, k := range held {
		set[k] = struct{}{}
	}
	for _, k := range want {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// normalize sorts and de-duplicates keys.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
