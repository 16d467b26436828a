// Package service implements the resource managers: containers, images,
// volumes, networks and system aggregates over one shared Docker client.
//
// Records are rebuilt from daemon state on every call. Guards such as "network
// has no endpoints" or "volume not in use" are checked before the mutating
// call but are not atomic with it; when the daemon rejects the mutation anyway
// its answer is returned.
package service

import (
	"strings"
	"time"
)

const (
	shortIDLength = 12
	untaggedImage = "<none>:<none>"
)

// shortID returns the first 12 characters of a full id, without any
// "sha256:" prefix.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

// trimName drops the leading slash the daemon puts on container names.
func trimName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// unixTime renders a unix timestamp in RFC 3339.
func unixTime(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// splitImageTag splits a reference into repository and tag. The tag is the
// text after the last ':' that follows the last '/', so registry ports are
// kept in the repository. A missing tag defaults to "latest".
func splitImageTag(ref string) (repository, tag string) {
	if ref == untaggedImage {
		return "<none>", "<none>"
	}
	if at := strings.Index(ref, "@"); at >= 0 {
		ref = ref[:at]
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

// nonNil returns an empty map for nil so records never serialize null.
func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
