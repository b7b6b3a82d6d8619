// Package validate provides input validation for API path and body parameters.
package validate

import (
	"regexp"
	"strings"
)

// ClusterIDMaxLen is the maximum allowed length for a cluster id (used in
// state-store keys and URL paths).
const ClusterIDMaxLen = 100

// Cluster ids are lowercase DNS labels: alphanumeric and hyphen, must start
// and end alphanumeric.
var clusterIDRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// K8s name regex: DNS subdomain (RFC 1123) — lowercase alphanumeric, '-' or
// '.', max 253 chars for namespace/name.
var k8sNameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

// ClusterID validates a cluster id: lowercase DNS label, 1–ClusterIDMaxLen.
func ClusterID(id string) bool {
	if id == "" || len(id) > ClusterIDMaxLen {
		return false
	}
	return clusterIDRe.MatchString(id)
}

// Namespace validates a namespace: empty (cluster-scoped) or valid DNS
// subdomain.
func Namespace(ns string) bool {
	if ns == "" {
		return true
	}
	if len(ns) > 253 {
		return false
	}
	return k8sNameRe.MatchString(strings.ToLower(ns))
}

// Name validates a resource name: valid DNS subdomain.
func Name(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	return k8sNameRe.MatchString(strings.ToLower(name))
}
