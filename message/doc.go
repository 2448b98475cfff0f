// Package message defines the protocol messages written by a tap and their
// newline-delimited JSON wire form.
//
// Every message is one JSON object on one line with a "type" discriminant:
//
//	{"type":"SCHEMA","stream":"users","schema":{...},"key_properties":["id"]}
//	{"type":"ACTIVATE_VERSION","stream":"users","version":1700000000000}
//	{"type":"RECORD","stream":"users","record":{"id":1,"name":null},"version":1700000000000}
//	{"type":"STATE","value":{"bookmarks":{"users":{"version":1700000000000}}}}
//	{"type":"BATCH","stream":"users","encoding":{"format":"jsonl","compression":"gzip"},"manifest":["file:///tmp/b/users-1.jsonl.gz"]}
//
// Optional envelope fields that are unset (version, time_extracted,
// bookmark_properties, compression) are omitted. A null inside a record
// payload is always written as null.
//
// Records are carried as Fields, an ordered mapping, so the column order of
// the source survives encoding.
package message
