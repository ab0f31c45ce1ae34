// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (connection.go, broadcast.go, event.go, audit.go) hold the
// shared entities and the collaborator contracts the registry and dispatcher consume.
// Behaviour is limited to validation and matching helpers on those types.
package domain
