// Package backend defines the contract between the provisioning engine and
// its two installer targets, the error taxonomy those targets report, and
// the HTTP, subprocess and archive helpers they share.
package backend
