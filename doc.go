// Package ledgerbase is an offline-capable storage core for financial
// records. Transactions and categories are stored as JSON documents with
// revision tokens behind a pluggable DocumentStore interface, with a
// local filesystem backend and replicating Redis, S3, GCS and Postgres
// backends.
//
// On top of the stores sit typed repositories, a connection manager with
// retrying remote opens, a batched migration engine for moving data
// between backends, and a validator that checks two backends hold
// consistent data within a configurable time tolerance.
package ledgerbase
