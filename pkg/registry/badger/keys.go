package badger

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize the
// registry's data types into logical namespaces. This design:
//   - Prevents key collisions between data types
//   - Enables efficient range scans (list all path records, all tasks)
//   - Makes the database structure self-documenting
//
// Key Namespace Prefixes:
//
// Data Type              Prefix   Key Format              Value Type
// =======================================================================
// Path Records           "p:"     p:<recordID>            PathRecord (JSON)
// Source Key Index       "sk:"    sk:<sourceKey>          recordID (bytes)
// Ticket Tasks           "t:"     t:<taskID>              TicketTask (JSON)
// External Ticket Index  "tk:"    tk:<ticketID>           taskID (bytes)
// Store Metadata         "meta:"  meta:last_refresh       RFC3339 (bytes)
//
// The index namespaces are maintained inside the same transaction as the
// primary write, so a crash never leaves a record without its index entry.
// Both indexes enforce the uniqueness invariants: one record per source key,
// one task per external ticket.

const (
	pathPrefix      = "p:"
	sourceKeyPrefix = "sk:"
	taskPrefix      = "t:"
	ticketPrefix    = "tk:"

	lastRefreshKey = "meta:last_refresh"
)

func pathKey(id string) []byte {
	return []byte(pathPrefix + id)
}

func sourceKeyKey(key string) []byte {
	return []byte(sourceKeyPrefix + key)
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func ticketKey(id string) []byte {
	return []byte(ticketPrefix + id)
}
