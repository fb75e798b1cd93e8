// Package health implements http, tcp and in-container exec health checks
// with consecutive-failure tracking. The supervisor folds statuses into the
// health map of a running service.
package health
