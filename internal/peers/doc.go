// Package peers talks to the gateway's update and configuration services,
// which receive the update schedule and wireless sections of a core
// configuration document.
package peers
