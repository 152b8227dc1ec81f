//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/intake/portal/internal/platform/db"
	"github.com/intake/portal/migrations"
)

const postgresImage = "postgres:16-alpine"

// testEnv holds a migrated primary and backup database and a dual-writing
// router over them.
type testEnv struct {
	Primary *pgxpool.Pool
	Backup  *pgxpool.Pool
	Router  *db.Router
}

// env is initialized once in TestMain.
var env *testEnv

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Fprintln(os.Stderr, "skipping integration tests: docker not available")
		os.Exit(0)
	}

	ctx := context.Background()
	e, cleanup, err := setupDatabases(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup databases: %v\n", err)
		os.Exit(1)
	}

	env = e
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

func setupDatabases(ctx context.Context) (*testEnv, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	pools := make([]*pgxpool.Pool, 0, 2)
	for _, name := range []string{"intake_primary", "intake_backup"} {
		url, stop, err := startPostgres(ctx, name)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, stop)

		pool, err := db.NewPool(ctx, url, db.PoolConfig{MaxConns: 5, AppName: "portal-integration"})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
			pool.Close()
			cleanup()
			return nil, nil, fmt.Errorf("migrate %s: %w", name, err)
		}
		pools = append(pools, pool)
	}

	router := db.NewRouter(pools[0], pools[1], db.RouterConfig{DualWrite: true}, zerolog.Nop())
	return &testEnv{Primary: pools[0], Backup: pools[1], Router: router}, func() {
		router.Close()
		cleanup()
	}, nil
}

// startPostgres runs a postgres container and returns its connection string.
func startPostgres(ctx context.Context, dbName string) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "portal",
			"POSTGRES_PASSWORD": "portal",
			"POSTGRES_DB":       dbName,
		},
		// The server logs readiness once for the init run and once for real.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start %s container: %w", dbName, err)
	}
	stop := func() {
		if err := container.Terminate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to terminate %s container: %v\n", dbName, err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("container port: %w", err)
	}

	url := fmt.Sprintf("postgres://portal:portal@%s/%s?sslmode=disable", net.JoinHostPort(host, port.Port()), dbName)
	return url, stop, nil
}

// resetTables empties both databases.
func resetTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	env.Router.Wait()
	for _, pool := range env.pools() {
		if _, err := pool.Exec(ctx, `TRUNCATE app_user CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}
}

func (e *testEnv) pools() map[string]*pgxpool.Pool {
	return map[string]*pgxpool.Pool{"primary": e.Primary, "backup": e.Backup}
}

type seedPatient struct {
	ID          string
	First       string
	Last        string
	Finished    bool
	ClinicID    string
	SubmittedAt time.Time
	// NoProfile seeds only the user row.
	NoProfile bool
}

// seed writes the same rows to both databases, as a completed mirror would.
func seed(t *testing.T, patients ...seedPatient) {
	t.Helper()
	ctx := context.Background()
	for _, p := range patients {
		profile, err := json.Marshal(map[string]string{"firstName": p.First, "lastName": p.Last})
		if err != nil {
			t.Fatal(err)
		}
		var clinic *string
		if p.ClinicID != "" {
			clinic = &p.ClinicID
		}

		for name, pool := range env.pools() {
			if _, err := pool.Exec(ctx,
				`INSERT INTO app_user (id, email, intake_finished, clinic_id) VALUES ($1, $2, $3, $4)`,
				p.ID, p.ID+"@patients.example", p.Finished, clinic); err != nil {
				t.Fatalf("seed user %s on %s: %v", p.ID, name, err)
			}
			if p.NoProfile {
				continue
			}
			if _, err := pool.Exec(ctx, `
				INSERT INTO profile (user_id, first_name, last_name, json, first_submitted_at, updated_at)
				VALUES ($1, $2, $3, $4::jsonb, $5, $5)`,
				p.ID, p.First, p.Last, string(profile), p.SubmittedAt); err != nil {
				t.Fatalf("seed profile %s on %s: %v", p.ID, name, err)
			}
		}
	}
}
