package compare

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe  = regexp.MustCompile(`(?m)(//|#).*$`)
	timestampRe    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

const timestampPlaceholder = "<timestamp>"

// normalize applies the configured stripping. Comments go first so a
// timestamp inside a comment does not survive as a placeholder.
func normalize(content string, cfg Config) string {
	if cfg.IgnoreComments {
		content = blockCommentRe.ReplaceAllString(content, "")
		content = lineCommentRe.ReplaceAllString(content, "")
	}
	if cfg.IgnoreTimestamps {
		content = timestampRe.ReplaceAllString(content, timestampPlaceholder)
	}
	if cfg.IgnoreWhitespace {
		content = strings.TrimSpace(whitespaceRe.ReplaceAllString(content, " "))
	}
	return content
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
