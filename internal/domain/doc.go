// Package domain defines the core data types shared across the ingestion
// pipeline: raw file snapshots, canonical records and tables, computed
// metric snapshots, label rules, and processing run audit records.
//
// All types in this package are plain values with no I/O. Mutating
// operations live on CanonicalTable only; everything else is immutable
// once constructed.
package domain
