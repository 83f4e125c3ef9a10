// Package session persists the identity of the last launched worker so that a
// later monitor invocation can pick it up without arguments.
package session
