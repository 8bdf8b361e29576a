// Command mnebula runs the managed Nebula control plane: a PocketBase
// application with the managednebula plugin installed.
package main

import (
	"log"
	"os"

	"github.com/pocketbase/pocketbase"

	managednebula "github.com/skeeeon/managed-nebula"
)

func main() {
	app := pocketbase.New()

	options := managednebula.DefaultOptions()
	if bin := os.Getenv("NEBULA_CERT_BINARY"); bin != "" {
		options.NebulaCertBinary = bin
	}
	if os.Getenv("IN_PROCESS_SIGNER") == "true" {
		options.InProcessSigner = true
	}

	if err := managednebula.Setup(app, options); err != nil {
		log.Fatal(err)
	}

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
