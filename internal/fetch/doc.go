// Package fetch implements the network-first strategy every worker applies
// to proxied requests. Cacheable requests and navigations consult the current
// cache namespace, revalidate against the origin and fall back to cached
// copies, the offline document or a synthetic error when the network fails.
// Everything else is forwarded untouched apart from the isolation headers.
// Serve never returns an error: the caller always receives a response.
package fetch
