package main

import (
	"log"

	"github.com/joho/godotenv"

	"courier/internal/app"
)

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
