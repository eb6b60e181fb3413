// Package server hosts the Fiber HTTP service, the request middleware chain
// and the app registry that maps Host headers onto configured offline apps.
// Proxy handling and the /-/ routes live in sibling packages; this package
// only resolves which app a request belongs to and hands it over.
package server
