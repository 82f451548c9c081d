package main

import (
	"log"

	"fundflow/services/fundflowd"
)

func main() {
	if err := fundflowd.Main(); err != nil {
		log.Fatalf("fundflowd: %v", err)
	}
}
