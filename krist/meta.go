// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"sort"
	"strings"
)

// ParseCommonMeta parses a CommonMeta metadata string into a key-value map.
// The string is split on ';', each piece is split on the first '='.  Pieces
// without an '=' or with an empty key are dropped, and the last occurrence
// of a key wins.
func ParseCommonMeta(s string) map[string]string {
	m := make(map[string]string)
	for _, piece := range strings.Split(s, ";") {
		idx := strings.IndexByte(piece, '=')
		if idx <= 0 {
			continue
		}
		m[piece[:idx]] = piece[idx+1:]
	}
	return m
}

// EncodeCommonMeta serializes a key-value map into a CommonMeta string with
// a deterministic key order.  Keys must not contain ';' or '=' and values
// must not contain ';' for the encoding to round trip.
func EncodeCommonMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
	}
	return sb.String()
}
