// Package postgrestest starts throwaway Postgres containers for tests.
package postgrestest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexusengine/wrapper/internal/app"
)

// Setup starts a Postgres container, migrates it and returns its connection
// string. The container is cleaned up with the test.
func Setup(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	username := "postgres"
	password := "postgres"
	database := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:16-alpine",
			Env: map[string]string{
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", username, password, endpoint, database)

	err = app.SetupPostgres(connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return connectionString
}
