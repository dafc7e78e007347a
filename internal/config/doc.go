// Package config loads the daemon configuration and the escrow install
// file, and builds the structured logger shared by every component.
package config
