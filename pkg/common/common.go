package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cast"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
	NA       = "N/A"
)

var (
	node     *snowflake.Node
	nodeOnce sync.Once
)

func idNode() *snowflake.Node {
	nodeOnce.Do(func() {
		var err error
		node, err = snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
	})
	return node
}

// UUIDint64 returns a time ordered unique int64 id.
func UUIDint64() int64 {
	return idNode().Generate().Int64()
}

// IsEmptyOrNA reports whether a user supplied value carries no information.
func IsEmptyOrNA(val string) bool {
	v := strings.TrimSpace(val)
	return v == "" || v == NA
}

// ParseInt64 parses a decimal id, returning 0 for anything unparsable.
func ParseInt64(s string) int64 {
	return cast.ToInt64(strings.TrimSpace(s))
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences p, returning def when p is nil or empty.
func StringValue(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}
