// Package crawler defines the records, history entries, and collaborator
// interfaces shared by the crawl-and-sync engine. Pipelines, stores, and the
// remote client all speak in these types so each subsystem can be swapped for a
// fake in tests.
package crawler
