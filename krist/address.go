// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// sha256Hex returns the lowercase hex digest of s.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// doubleSHA256 hashes s twice, feeding the hex digest of the first round
// into the second.  The hex intermediate is part of the address format.
func doubleSHA256(s string) string {
	return sha256Hex(sha256Hex(s))
}

// hexToBase36 maps a byte value onto the address alphabet 0-9a-z, with
// values above 251 mapping to 'e'.
func hexToBase36(b int64) byte {
	for i := int64(6); i <= 251; i += 7 {
		if b <= i {
			if i <= 69 {
				return byte('0' + (i-6)/7)
			}
			return byte('a' + (i-76)/7)
		}
	}
	return 'e'
}

// MakeV2Address derives the v2 address for a private key.  The prefix is
// the address version character and defaults to "k" when empty.
func MakeV2Address(privateKey, prefix string) string {
	if prefix == "" {
		prefix = "k"
	}

	var protein [9]string
	stick := doubleSHA256(privateKey)
	for i := 0; i <= 8; i++ {
		protein[i] = stick[:2]
		stick = doubleSHA256(stick)
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i <= 8; {
		slot, err := strconv.ParseInt(stick[2*i:2*i+2], 16, 32)
		if err != nil {
			// The stick is always a hex digest, so this is
			// unreachable.
			panic(err)
		}
		idx := slot % 9
		if protein[idx] == "" {
			stick = sha256Hex(stick)
			continue
		}
		chunk, _ := strconv.ParseInt(protein[idx], 16, 32)
		sb.WriteByte(hexToBase36(chunk))
		protein[idx] = ""
		i++
	}
	return sb.String()
}
