package handlesync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/agentworkforce/handlesync/internal/handle"
)

const maxTypeSegment = 40

// RemotePath identifies where a handle lives in the remote tree. Two handles
// with the same kind, type and tag set share a path.
type RemotePath struct {
	Kind handle.Kind
	Type string
	Tags []string
}

func RemotePathFor(desc handle.Descriptor) RemotePath {
	return RemotePath{
		Kind: desc.Kind,
		Type: strings.TrimSpace(desc.Type),
		Tags: desc.NormalizedTags(),
	}
}

// String returns the canonical form kind|type|tag,tag.
func (p RemotePath) String() string {
	return string(p.Kind) + "|" + p.Type + "|" + strings.Join(handle.NormalizeTags(p.Tags), ",")
}

// Key returns a single path segment derived from the canonical form. It is
// readable enough to spot in a tree dump and contains no reserved
// characters.
func (p RemotePath) Key() string {
	sum := sha256.Sum256([]byte(p.String()))
	kind := string(p.Kind)
	if kind == "" {
		kind = "unknown"
	}
	return kind + "-" + sanitizeSegment(p.Type) + "-" + hex.EncodeToString(sum[:])[:12]
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if b.Len() >= maxTypeSegment {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "untyped"
	}
	return b.String()
}
