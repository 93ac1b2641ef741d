// Package ordering contains the shared value types of the on-demand
// ordering subsystem: consensus rounds, transaction batches, proposals,
// and the notification interfaces connecting the subsystem to its
// transport.
//
// The types in this package are plain values with no I/O.
// Concrete behavior lives in the subpackages:
//
//   - [github.com/hyperledger/iroha-sub005/ordering/obatch] caches incoming batches
//   - [github.com/hyperledger/iroha-sub005/ordering/oservice] assembles proposals on demand
//   - [github.com/hyperledger/iroha-sub005/ordering/oconn] routes traffic to per-round peer roles
//   - [github.com/hyperledger/iroha-sub005/ordering/ogate] drives round switches
package ordering
