// Package engine is the provisioning orchestrator. A single control loop
// owns the provisioning status, the provisioned flags of both backends and
// the escrow scheduler. Backend workflows run on worker goroutines and
// report their terminal status back into the loop, which re-checks both
// backends and broadcasts the transition to subscribers.
package engine
