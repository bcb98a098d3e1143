package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mosquittoImage          = "eclipse-mosquitto:2.0"
	containerStartupTimeout = 60 * time.Second
)

type TestInfra struct {
	BrokerEndpoint string // host:port of the MQTT listener
}

// SetupTestInfra starts a disposable MQTT broker for one test. The broker
// accepts anonymous connections on a plain TCP listener.
func SetupTestInfra(t *testing.T) *TestInfra {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	req := testcontainers.ContainerRequest{
		Image:        mosquittoImage,
		ExposedPorts: []string{"1883/tcp"},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      writeMosquittoConf(t),
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForListeningPort("1883/tcp").WithStartupTimeout(containerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "1883/tcp")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}

	return &TestInfra{
		BrokerEndpoint: fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

func writeMosquittoConf(t *testing.T) string {
	t.Helper()

	conf := "listener 1883\nallow_anonymous true\n"
	path := filepath.Join(t.TempDir(), "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatalf("failed to write mosquitto config: %v", err)
	}
	return path
}
