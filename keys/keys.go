// Package keys builds the store key names used by the engine: primary
// bodies, equality and range indexes, the per-type enumeration set and the
// identity counter. Key layout:
//
//	Person:42                    primary body (hash)
//	Person:id                    identity counter
//	Person:all                   enumeration set
//	Person:Name:Alice            equality index (set)
//	Person:Age                   range index (sorted set)
//	Person:{Region_west}:Status:open    tagged equality index
//
// A co-location tag, when present, is always the first segment after the
// type name so that every key touched for one record lands on one shard.
package keys

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const sep = ":"

// Combined key names longer than this are digested. Redis has no practical
// key length limit, but multi-predicate finds can produce very long names.
const maxCombinedLen = 120

type Namer struct {
	typeName string
}

func NewNamer(typeName string) Namer {
	return Namer{typeName: typeName}
}

// Counter is the identity counter key for the type.
func (n Namer) Counter() string {
	return n.typeName + sep + "id"
}

// All is the enumeration set holding every live identity of the type.
func (n Namer) All() string {
	return n.typeName + sep + "all"
}

// Body is the primary record hash key.
func (n Namer) Body(id int64) string {
	return n.typeName + sep + strconv.FormatInt(id, 10)
}

// Key builds an index key from the optional co-location tag and segments.
func (n Namer) Key(tag string, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(n.typeName)
	if tag != "" {
		sb.WriteString(sep)
		sb.WriteString(tag)
	}
	for _, s := range segments {
		sb.WriteString(sep)
		sb.WriteString(s)
	}
	return sb.String()
}

// Combined names a temporary destination key for an intersection result.
// The name carries the tag (so the destination co-locates with its sources)
// and a random suffix so concurrent queries never collide. Long source lists
// are digested.
func (n Namer) Combined(tag string, sources ...string) string {
	joined := strings.Join(sources, "+")
	if len(joined) > maxCombinedLen {
		joined = strconv.FormatUint(xxhash.Sum64String(joined), 16)
	}
	var sb strings.Builder
	sb.WriteString(n.typeName)
	if tag != "" {
		sb.WriteString(sep)
		sb.WriteString(tag)
	}
	sb.WriteString(sep)
	sb.WriteString("~ix")
	sb.WriteString(sep)
	sb.WriteString(joined)
	sb.WriteString(sep)
	sb.WriteString(uuid.NewString())
	return sb.String()
}

// Tag renders a co-location tag from a field name and its value, in the
// brace form the store's sharding layer hashes on.
func Tag(field, value string) string {
	return "{" + field + "_" + value + "}"
}

// ExtractTag returns the co-location tag embedded in the key, braces
// included, or "" when the key is untagged.
func ExtractTag(key string) string {
	i := strings.IndexByte(key, '{')
	if i < 0 {
		return ""
	}
	j := strings.IndexByte(key[i:], '}')
	if j < 0 {
		return ""
	}
	return key[i : i+j+1]
}
