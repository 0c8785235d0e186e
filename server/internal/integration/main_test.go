package integration

import (
	"fmt"
	"os"
	"testing"
)

var postgresCleanup func(success bool)

func TestMain(m *testing.M) {
	if PostgresEnabled() {
		fmt.Println("PostgreSQL testing enabled, starting container...")

		var err error
		postgresCleanup, err = StartPostgres()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start PostgreSQL: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PostgreSQL ready at %s\n", PostgresDSN())
	}

	code := m.Run()

	if postgresCleanup != nil {
		postgresCleanup(code == 0)
	}
	os.Exit(code)
}
