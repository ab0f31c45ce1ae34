// Package app provides the application service layer.
//
// Service is the facade the transports talk to. It wraps the registry and the
// dispatcher and owns the two background loops: the TTL reaper and the
// heartbeat publisher.
package app
