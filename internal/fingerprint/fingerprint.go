// Package fingerprint derives the stable identity used to deduplicate work.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"slices"
	"strings"
)

// Canonicalize standardizes a URL so equivalent spellings share one identity.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, drops the fragment and turns an empty path into "/".
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// Compute returns the hex SHA-256 fingerprint of a request. Targets that do
// not parse as URLs are hashed verbatim. identity holds extra key/value pairs
// that distinguish otherwise identical requests.
func Compute(method, target string, body []byte, identity map[string]string) string {
	canonical, err := Canonicalize(target)
	if err != nil {
		canonical = target
	}

	h := sha256.New()
	writeField(h, []byte(strings.ToUpper(method)))
	writeField(h, []byte(canonical))
	writeField(h, body)

	keys := make([]string, 0, len(identity))
	for k := range identity {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(identity[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes each field so adjacent fields cannot collide.
func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}
