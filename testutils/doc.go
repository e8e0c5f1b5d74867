// Package testutils holds helpers shared by package tests: a self-signed
// certificate generator, a file-backed object store, and Postgres setup
// for tests that opt in through RETROGATE_TEST_DATABASE_URL.
package testutils
