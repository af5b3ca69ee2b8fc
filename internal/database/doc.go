// Package database opens the PostgreSQL pool behind the gateway's event
// audit log.
package database
