package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func NewTestAMQPPublisher(tb testing.TB, ctx context.Context) (*AMQPPublisher, string) {
	tb.Helper()

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5672/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	connectionString := fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint)

	return NewAMQPPublisher(connectionString), connectionString
}

func TestAMQPPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a container")
	}

	t.Run("publishes build status events", func(t *testing.T) {
		ctx := context.Background()
		publisher, connectionString := NewTestAMQPPublisher(t, ctx)

		errorMessage := "toolchain exited with code 3"
		b := &Build{
			ID:                uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000"),
			PublisherID:       uuid.MustParse("cccccccc-0000-0000-0000-000000000000"),
			Version:           "1.2.0",
			ConfigFingerprint: "aaaaaaaaaaaaaaaa",
			Status:            StatusFailed,
			ErrorMessage:      &errorMessage,
		}

		err := publisher.PublishStatus(ctx, b)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		conn, err := amqp091.Dial(connectionString)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer ch.Close()

		delivery, ok, err := ch.Get(EventQueue, true)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !ok {
			t.Fatal("want a message in the queue")
		}

		var msg struct {
			BuildID      uuid.UUID `json:"build_id"`
			Status       string    `json:"status"`
			ErrorMessage *string   `json:"error_message"`
		}
		if err = json.Unmarshal(delivery.Body, &msg); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := msg.BuildID, b.ID; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := msg.Status, "failed"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if msg.ErrorMessage == nil || *msg.ErrorMessage != errorMessage {
			t.Fatalf("got %v, want %q", msg.ErrorMessage, errorMessage)
		}
	})
}
