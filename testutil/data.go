package testutil

import (
	"fmt"

	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/schema"
)

// UsersSchemaJSON is a small stream schema with every scalar type.
const UsersSchemaJSON = `{
	"type": "object",
	"properties": {
		"id": {"type": "integer"},
		"name": {"type": ["string", "null"]},
		"score": {"type": ["number", "null"]},
		"active": {"type": ["boolean", "null"]},
		"updated_at": {"type": ["string", "null"], "format": "date-time"},
		"tags": {"type": ["array", "null"]}
	}
}`

// UsersSchema returns the parsed UsersSchemaJSON.
func UsersSchema() *schema.Schema {
	return schema.MustParse(UsersSchemaJSON)
}

// UserRows returns n rows with ids 1..n and increasing updated_at values.
func UserRows(n int) []*message.Fields {
	rows := make([]*message.Fields, n)
	for i := range rows {
		id := i + 1
		rows[i] = message.FieldsOf(
			"id", id,
			"name", fmt.Sprintf("user-%02d", id),
			"score", float64(id)/2,
			"active", id%2 == 0,
			"updated_at", fmt.Sprintf("2024-01-%02dT00:00:00+00:00", (id-1)%28+1),
		)
	}
	return rows
}
