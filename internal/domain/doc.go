// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (session.go, storage.go, generation.go, errors.go) hold
// shared types and the collaborator contracts. No implementation code - just contracts.
// Keeps adapters and use-case packages free of circular imports.
package domain
