package gqlserver

import (
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
)

// Controller serves the gateway's GraphQL endpoint, mirroring
// walletserver/controllers' constructor-takes-a-service pattern.
type Controller struct {
	handler http.Handler
}

// NewController wraps schema in the library's relay.Handler.
func NewController(schema *graphql.Schema) *Controller {
	return &Controller{handler: &relay.Handler{Schema: schema}}
}

func (c *Controller) Query(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}
