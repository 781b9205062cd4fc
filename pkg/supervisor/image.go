package supervisor

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
)

// imageTag derives the idempotent build tag for an agent's bundle: the same
// (codeDigest, resource profile) pair always produces the same tag, so
// Build is idempotent by tag.
func imageTag(repo string, codeDigest string, caps store.ResourceCaps) (name.Tag, error) {
	profile := fmt.Sprintf("%d-%.2f-%d", caps.MemoryBytes, caps.CPUFraction, caps.PIDs)
	tagStr := fmt.Sprintf("%s:%s-%s", repo, shortDigest(codeDigest), shortDigest(profile))
	return name.NewTag(tagStr, name.WeakValidation)
}

// shortDigest keeps generated tags within the registry tag length limit
// while staying derived solely from its input (no randomness).
func shortDigest(s string) string {
	const max = 24
	if len(s) <= max {
		return sanitize(s)
	}
	return sanitize(s[:max])
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out[i] = c
		case c >= 'A' && c <= 'Z':
			out[i] = c
		default:
			out[i] = '-'
		}
	}
	return string(out)
}
