package gqlserver

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestLogger logs each request's method, path and duration, adapted from
// walletserver/middleware.Logger to go-chi's middleware signature.
func RequestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("duration", time.Since(start)).
				Info("gqlserver request")
		})
	}
}

// Recoverer converts a panicking handler into a 500 response instead of
// crashing the process.
func Recoverer(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panic", rec).Error("gqlserver: recovered from panic")
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
