// Package common provides shared constants, types, and utilities
// used throughout shardvpn.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: worker defaults, file names, hand-off timing
//   - Errors: sentinel errors and the typed session-start failures
//   - Logger: leveled logging backed by zerolog with file rotation
//   - Utils: small helpers for directories and files
//
// # Usage
//
//	common.LogInfo("Resolved %s to %s", host, addr)
//
//	var herr *common.HandoffError
//	if errors.As(err, &herr) {
//	    // descriptor never reached the shim
//	}
package common
