//go:build !test

// Production builds link every SQL driver; go test/go vet can skip them
// with -tags test.
package main

import (
	"log"

	"geocluster-map/pkg/database/drivers"
)

func init() {
	log.Printf("record store drivers: %v", drivers.Available())
}
