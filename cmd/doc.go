// Package cmd contains the pairsync binaries.
//
// Available commands:
//
//   - backend: runs one backend of a pair, exposing the pairing protocol
//     over HTTP and driving the sync, telemetry, and reachability loops.
package cmd
