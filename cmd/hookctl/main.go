package main

import (
	"log"

	"github.com/austindbirch/signal_hook/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
