package store

import "strings"

// likeMatch evaluates a SQL LIKE pattern with % wildcards against s, so the
// memory backend filters topics exactly the way the SQL backends do.
// The _ single-character wildcard is not supported; topic patterns in
// practice are prefixes like "engine.truth%".
func likeMatch(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == s
	}

	// Anchor the first segment at the start and the last at the end;
	// everything between must appear in order.
	if parts[0] != "" && !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	last := parts[len(parts)-1]
	middle := parts[1 : len(parts)-1]

	for _, part := range middle {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}

	if last == "" {
		return true
	}
	return strings.HasSuffix(s, last) && len(s) >= len(last)
}
