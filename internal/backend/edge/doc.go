// Package edge implements the device-management installer. Downloads
// replace the agent assets and binary under the install root and rewrite
// its bootstrap and runtime configuration for the target company.
package edge
