// Package broadcast resolves which live connections a request addresses and
// fans one event out to them.
//
// Selector is a pure resolution step over a registry snapshot. Dispatcher drives
// it, pushes to each matched handle, evicts connections whose push failed and
// writes one audit record per broadcast and per delivery outcome.
package broadcast
