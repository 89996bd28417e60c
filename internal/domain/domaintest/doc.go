// Package domaintest provides test doubles for the domain collaborators.
// Test use only.
package domaintest
