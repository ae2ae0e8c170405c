// Package core defines the canonical indicator record and feed definition
// shared by the ingestion adapters, the stores and the query tool.
//
// Adapters only ever produce Records; stores only ever consume them. A Feed
// is validated once when configuration is loaded and is treated as read-only
// afterwards.
package core
