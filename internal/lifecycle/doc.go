// Package lifecycle drives a worker through install (precaching the eager
// resources into the current namespace), activation (evicting namespaces left
// behind by older versions and enabling navigation preload) and the
// claim/clear/update control messages sent by controlled pages.
package lifecycle
