// migrate brings the courier's schema up or down from the embedded SQL
// files. Run with go run ./cmd/migrate [-direction up|down].
package main

import (
	"flag"
	"fmt"
	"os"

	"messenger-courier/internal/config"
	"messenger-courier/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "up applies pending migrations, down rolls back all of them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fail("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fail("migrate: %v", err)
	}
	fmt.Printf("migrations %s: done\n", *direction)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
