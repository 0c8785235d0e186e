package integration

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	postgresContainerName = "scriptsmith-test-postgres"
	postgresPort          = "5433" // Non-standard port to avoid conflicts
	postgresUser          = "scriptsmith"
	postgresPassword      = "scriptsmith"
	postgresDB            = "scriptsmith_test"
	postgresImage         = "postgres:16-alpine"
)

// PostgresDSN returns the DSN for the test PostgreSQL container
func PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresPort, postgresDB)
}

// PostgresEnabled returns true if TEST_POSTGRES=1 is set
func PostgresEnabled() bool {
	return os.Getenv("TEST_POSTGRES") == "1"
}

// StartPostgres starts a fresh PostgreSQL container. The returned cleanup
// removes it when the run succeeded and keeps it for inspection otherwise.
func StartPostgres() (cleanup func(success bool), err error) {
	_ = removePostgresContainer()

	if err := startPostgresContainer(); err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	if err := waitForPostgres(30 * time.Second); err != nil {
		return nil, fmt.Errorf("postgres failed to become ready: %w", err)
	}

	cleanup = func(success bool) {
		if success {
			if err := removePostgresContainer(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove postgres container: %v\n", err)
			}
			return
		}
		separator := strings.Repeat("=", 60)
		fmt.Fprintf(os.Stderr, "\n%s\n", separator)
		fmt.Fprintf(os.Stderr, "TEST FAILED - PostgreSQL container kept for debugging\n")
		fmt.Fprintf(os.Stderr, "Connect:   psql %s\n", PostgresDSN())
		fmt.Fprintf(os.Stderr, "Remove:    docker rm -f %s\n", postgresContainerName)
		fmt.Fprintf(os.Stderr, "%s\n\n", separator)
	}
	return cleanup, nil
}

func startPostgresContainer() error {
	cmd := exec.Command("docker", "run",
		"-d",
		"--name", postgresContainerName,
		"-p", postgresPort+":5432",
		"-e", "POSTGRES_USER="+postgresUser,
		"-e", "POSTGRES_PASSWORD="+postgresPassword,
		"-e", "POSTGRES_DB="+postgresDB,
		postgresImage,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func removePostgresContainer() error {
	return exec.Command("docker", "rm", "-f", postgresContainerName).Run()
}

func waitForPostgres(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "localhost:"+postgresPort, time.Second)
		if err == nil {
			conn.Close()

			// The port opens before the server accepts connections.
			cmd := exec.Command("docker", "exec", postgresContainerName,
				"pg_isready", "-U", postgresUser, "-d", postgresDB)
			if cmd.Run() == nil {
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for postgres on port %s", postgresPort)
}
