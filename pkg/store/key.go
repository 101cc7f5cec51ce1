// file: pkg/store/key.go

package store

import "strings"

// Version tags the current key scheme in the persisted record.
const Version = "v2"

var (
	escaper   = strings.NewReplacer("~", "~0", "/", "~1")
	unescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// EscapeKey escapes key for use as one JSON Pointer reference token.
func EscapeKey(key string) string { return escaper.Replace(key) }

// UnescapeKey reverses EscapeKey.
func UnescapeKey(key string) string { return unescaper.Replace(key) }

// V2StoreKey is the escaped, versioned form written into patch paths.
func V2StoreKey(key string) string { return Version + "-" + EscapeKey(key) }

// V2UnescapedStoreKey is the versioned form as it appears in the record
// once the patch has been applied.
func V2UnescapedStoreKey(key string) string { return Version + "-" + key }

// StripV2Prefix removes the version tag, if any.
func StripV2Prefix(key string) string { return strings.TrimPrefix(key, Version+"-") }
