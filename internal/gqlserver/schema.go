// Package gqlserver exposes the Index Store's query planner over GraphQL
//, structured as routes/controllers/services/middleware
// layers the way walletserver structures its REST surface, adapted from
// gorilla/mux to go-chi and from a plain JSON surface to a single GraphQL
// endpoint backed by graph-gophers/graphql-go.
package gqlserver

// schemaString is the gateway's GraphQL schema: a transactions connection
// plus a single-transaction lookup.
const schemaString = `
	schema {
		query: Query
	}

	type Query {
		transaction(id: String!): Transaction
		transactions(
			ids: [String!]
			recipients: [String!]
			owners: [String!]
			tags: [TagFilter!]
			minHeight: Int
			maxHeight: Int
			bundledIn: String
			sort: SortOrder
			first: Int
			after: String
		): TransactionConnection!
	}

	input TagFilter {
		name: String!
		values: [String!]!
	}

	enum SortOrder {
		HEIGHT_DESC
		HEIGHT_ASC
	}

	type TransactionConnection {
		edges: [TransactionEdge!]!
		pageInfo: PageInfo!
	}

	type TransactionEdge {
		cursor: String!
		node: Transaction!
	}

	type PageInfo {
		hasNextPage: Boolean!
	}

	type Tag {
		name: String!
		value: String!
	}

	type Transaction {
		id: String!
		ownerAddress: String!
		target: String!
		quantity: String!
		reward: String!
		dataSize: String!
		contentType: String!
		contentEncoding: String!
		height: Int
		blockTransactionIndex: Int!
		bundledIn: String
		tags: [Tag!]!
	}
`
