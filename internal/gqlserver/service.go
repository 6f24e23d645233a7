package gqlserver

import (
	"fmt"

	graphql "github.com/graph-gophers/graphql-go"
)

// NewSchema parses the gateway's GraphQL schema against root, failing fast
// at startup if the schema and resolver methods ever drift apart.
func NewSchema(root *Resolver) (*graphql.Schema, error) {
	schema, err := graphql.ParseSchema(schemaString, root)
	if err != nil {
		return nil, fmt.Errorf("gqlserver: parsing schema: %w", err)
	}
	return schema, nil
}
