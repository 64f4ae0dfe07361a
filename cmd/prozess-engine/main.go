package main

import (
	"log"

	"github.com/prozess-io/prozess/core/engine"
)

func main() {
	log.Println("prozess engine starting...")
	if err := engine.Run(nil); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
