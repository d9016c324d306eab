// Package domain defines core data models and interfaces shared across the app.
// It contains plain types (keys, identities, stored chat history) and
// contracts (store interfaces) only.
package domain
