// Package util contains small helpers shared across packages, mainly the
// bounds enforcement applied to host-supplied event input.
package util

import (
	"sort"
	"strings"

	"github.com/hupe1980/telemetrymesh/core"
)

// SanitizeEventName trims surrounding whitespace and truncates the name to
// maxLen bytes on a rune boundary. Returns the empty string when nothing
// printable remains, which callers treat as invalid input.
func SanitizeEventName(name string, maxLen int) string {
	name = strings.TrimSpace(name)
	if maxLen <= 0 || len(name) <= maxLen {
		return name
	}
	runes := []rune(name)
	out := ""
	for _, r := range runes {
		next := out + string(r)
		if len(next) > maxLen {
			break
		}
		out = next
	}
	return out
}

// CapProperties bounds the property bag to maxKeys entries, returning a copy
// and the number of dropped keys. Keys are kept in sorted order so the same
// oversized input always keeps the same subset.
func CapProperties(props core.Properties, maxKeys int) (core.Properties, int) {
	if props == nil {
		return nil, 0
	}
	if maxKeys <= 0 || len(props) <= maxKeys {
		cp := make(core.Properties, len(props))
		for k, v := range props {
			cp[k] = v
		}
		return cp, 0
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cp := make(core.Properties, maxKeys)
	for _, k := range keys[:maxKeys] {
		cp[k] = props[k]
	}
	return cp, len(props) - maxKeys
}
