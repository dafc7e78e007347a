// Package netmon reports network connectivity levels and the gateway's
// wired hardware address, either from NetworkManager on the system bus or
// from a static source.
package netmon
