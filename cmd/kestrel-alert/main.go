package main

import (
	"flag"
	"log"

	"kestrel-alert/core/appbootstrap"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	if err := appbootstrap.RunApp(*configPath); err != nil {
		log.Fatalf("kestrel-alert: %v", err)
	}
}
