// Command eduloom runs the chat gateway and progress API server.
package main

import (
	"log"

	"eduloom/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
