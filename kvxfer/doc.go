// Package kvxfer is the public entry point for the distributed KV-cache
// transfer engine: a caller builds a fabric.Fabric and fabric.AcceleratorRuntime
// (examples/localfabric provides an in-memory stand-in), calls Initialize,
// then drives LinkClusters/UnlinkClusters/SwitchRole to manage peer links,
// Register/Unregister/RegisterKey/RemoveCacheKey to manage cache slots, and
// Pull/Push/Copy to move tensor data, finishing with Finalize.
//
// Everything that actually resolves an address, selects a transfer job, or
// drives the per-peer state machine lives in internal/*; this package is
// parameter validation and translation only, per its own design brief.
package kvxfer
