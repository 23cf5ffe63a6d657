package main

import (
	"os"

	"github.com/charmbracelet/log"

	"ip2asn/internal/app"
)

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal("ip2asn terminated", "error", err)
	}
}
