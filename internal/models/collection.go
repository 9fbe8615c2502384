// Package models provides the record types persisted by the local durable
// store and exchanged between the write-queue agent and foreground clients.
package models

// Collection names one independent keyed collection in the durable store.
type Collection string

const (
	CollectionOperations  Collection = "operations"
	CollectionReferences  Collection = "references"
	CollectionDrafts      Collection = "drafts"
	CollectionAssets      Collection = "assets"
	CollectionDeadLetters Collection = "dead_letters"
)

// Collections lists every collection the store schema provides.
var Collections = []Collection{
	CollectionOperations,
	CollectionReferences,
	CollectionDrafts,
	CollectionAssets,
	CollectionDeadLetters,
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}
