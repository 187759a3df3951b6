// Package common contains shared constants and sentinel errors used across
// regstate components.
package common

// DefaultChunkSize bounds the number of rows or events handled in one
// transaction.
const DefaultChunkSize = 10000

// DefaultMaintenanceThreshold is the fraction of mutating events in an apply
// pass above which table statistics are refreshed.
const DefaultMaintenanceThreshold = 0.3

// Bookkeeping columns carried by every current-state row.
const (
	FieldID            = "_id"
	FieldTid           = "_tid"
	FieldSource        = "_source"
	FieldSourceID      = "_source_id"
	FieldVersion       = "_version"
	FieldHash          = "_hash"
	FieldLastEvent     = "_last_event"
	FieldDateCreated   = "_date_created"
	FieldDateConfirmed = "_date_confirmed"
	FieldDateModified  = "_date_modified"
	FieldDateDeleted   = "_date_deleted"
)

// Attributes of historicized collections.
const (
	FieldSequenceNumber = "volgnummer"
	FieldBeginValidity  = "begin_geldigheid"
	FieldEndValidity    = "eind_geldigheid"
)

// FieldBronwaarde is the key holding the raw source value of a reference.
const FieldBronwaarde = "bronwaarde"
