// Package pgtest runs a throwaway Postgres in docker for integration tests.
package pgtest

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinned so schema tests run against a fixed server version.
const image = "postgres@sha256:4327b9fd295502f326f44153a1045a7170ddbfffed1c3829798328556cfd09e2"

// Pool starts a fresh server and returns a pool connected to it. The test is skipped when docker
// is unavailable. The container and pool are removed when the test ends.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	id := docker(t, ctx, "run", "--rm", "-d",
		"-e", "POSTGRES_USER=postgres",
		"-e", "POSTGRES_PASSWORD=postgres",
		"-e", "POSTGRES_DB=postgres",
		"-p", "127.0.0.1::5432",
		image,
	)
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", id).Run() })

	// "docker port" prints one binding per line, e.g. 127.0.0.1:49153.
	binding, _, _ := strings.Cut(docker(t, ctx, "port", id, "5432/tcp"), "\n")
	dsn := "postgres://postgres:postgres@" + strings.TrimSpace(binding) + "/postgres?sslmode=disable"

	for {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				t.Cleanup(pool.Close)
				return pool
			}
			pool.Close()
		}
		select {
		case <-ctx.Done():
			t.Fatalf("postgres not ready at %s: %v", dsn, err)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func docker(t testing.TB, ctx context.Context, args ...string) string {
	t.Helper()
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("docker %s: %v: %s", args[0], err, out)
	}
	return strings.TrimSpace(string(out))
}
