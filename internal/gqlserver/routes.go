package gqlserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Register wires the GraphQL controller onto r, following
// walletserver/routes.Register's Register(router, controller) shape,
// adapted from gorilla/mux to go-chi.
func Register(r chi.Router, ctrl *Controller, log *logrus.Logger) {
	r.Use(chimiddleware.RequestID)
	r.Use(Recoverer(log))
	r.Use(RequestLogger(log))
	r.Post("/graphql", ctrl.Query)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
