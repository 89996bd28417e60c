// Package app provides the application service layer.
//
// Orchestrates use cases: session lifecycle, uploads, generation and the
// expired-session sweep. Sits between HTTP handlers and the domain
// collaborators, depending on domain interfaces rather than adapters.
package app
