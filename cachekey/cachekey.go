// Package cachekey derives stable cache keys from normalized search queries.
//
// Key grammar (stored durable-cache rows key off it, so it must not change):
//
//	search:global:<city>:<keyword>:<std|deep>:<p1|tok:<hash16>|deepscan:...>
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"leadsearch/domain"
)

const (
	prefix = "search:global:"

	modeStd  = "std"
	modeDeep = "deep"

	firstPagePart = "p1"

	// DeepScanTokenPrefix marks a deep-scan continuation token. Such tokens
	// carry scan-resumption state (the next grid cell index) and are embedded
	// in the key verbatim so the worker can parse them back out.
	DeepScanTokenPrefix = "deepscan:"
)

// Build returns the cache key for q. q must already be normalized
// (domain.NewSearchQuery does that). Same normalized query, mode and page
// always yield the identical key; first pages share a fixed suffix so
// concurrent first-page queries collide on purpose.
func Build(q domain.SearchQuery) string {
	mode := modeStd
	if q.DeepSearch {
		mode = modeDeep
	}
	return prefix + sanitize(q.City) + ":" + sanitize(q.Keyword) + ":" + mode + ":" + pagePart(q.PageToken)
}

func pagePart(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return firstPagePart
	}
	if strings.HasPrefix(token, DeepScanTokenPrefix) {
		return token
	}
	return "tok:" + HashToken(token)
}

// HashToken shortens an opaque provider page token to 16 hex chars. One-way;
// distinct continuation points get distinct parts with overwhelming
// probability.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// IsDeepScanToken reports whether token is a deep-scan continuation marker.
func IsDeepScanToken(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), DeepScanTokenPrefix)
}

// sanitize keeps the key grammar parseable: colons inside city/keyword would
// shift the field boundaries.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	return strings.Join(strings.Fields(s), " ")
}
