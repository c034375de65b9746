//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisImage             = "redis:7-alpine"
	firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/google-cloud-cli:emulators"
)

// startContainer runs req and returns host:port for the given exposed port.
// The container is terminated when the test finishes.
func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start %s", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func setupRedisContainer(t *testing.T, ctx context.Context) string {
	return startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379/tcp")
}

func setupFirestoreEmulator(t *testing.T, ctx context.Context, projectID string) string {
	return startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        firestoreEmulatorImage,
		ExposedPorts: []string{"8080/tcp"},
		Cmd: []string{
			"gcloud", "emulators", "firestore", "start",
			"--host-port=0.0.0.0:8080", "--project=" + projectID,
		},
		WaitingFor: wait.ForLog("Dev App Server is now running"),
	}, "8080/tcp")
}
