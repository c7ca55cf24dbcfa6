package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/probelab/authharness/internal/identity"
	"github.com/probelab/authharness/internal/session"
	"github.com/probelab/authharness/internal/testserver"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cmd := "snapshots"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "snapshots":
		err = runSnapshots(args)
	case "serve":
		err = runServe(args)
	default:
		err = fmt.Errorf("unknown command %q (want snapshots or serve)", cmd)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// runSnapshots performs the setup phase: one interactive login per shared
// role, persisted as an authentication snapshot for the test run to reuse.
func runSnapshots(args []string) error {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	registryPath := fs.String("registry", "", "optional YAML credential registry overriding the built-in identities")
	rolesFlag := fs.String("roles", "", "comma-separated roles to snapshot (default: all shared roles)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := session.Load()
	if err != nil {
		return err
	}

	reg, err := loadRegistry(*registryPath)
	if err != nil {
		return err
	}

	roles, err := resolveRoles(reg, *rolesFlag)
	if err != nil {
		return err
	}

	prov, err := session.NewProvisioner(cfg)
	if err != nil {
		return err
	}
	defer prov.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Budgets.Global)
	defer cancel()

	var failed []string
	for _, id := range roles {
		if err := snapshotRole(ctx, prov, id); err != nil {
			slog.Error("snapshot failed", "role", id.Role, "error", err)
			failed = append(failed, string(id.Role))
			continue
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to snapshot roles: %s", strings.Join(failed, ", "))
	}

	slog.Info("all snapshots saved", "count", len(roles), "dir", cfg.SnapshotDir)
	return nil
}

func snapshotRole(ctx context.Context, prov *session.Provisioner, id identity.Identity) error {
	sess, err := prov.Fresh(ctx, id, session.Expect{MFA: id.MFAEnabled})
	if err != nil {
		return err
	}
	defer sess.Close()

	path, err := prov.SaveSnapshot(sess)
	if err != nil {
		return err
	}
	slog.Info("snapshot saved", "role", id.Role, "path", path)
	return nil
}

func loadRegistry(path string) (*identity.Registry, error) {
	if path == "" {
		return identity.NewRegistry(), nil
	}
	return identity.LoadRegistry(path)
}

func resolveRoles(reg *identity.Registry, rolesFlag string) ([]identity.Identity, error) {
	if rolesFlag == "" {
		return reg.Shared(), nil
	}

	var out []identity.Identity
	for _, name := range strings.Split(rolesFlag, ",") {
		id, err := reg.Lookup(identity.Role(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// runServe starts the built-in authentication target standalone, so the
// harness can be pointed at it from another process or machine.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	dbPath := fs.String("db", ":memory:", "sqlite database path")
	policy := fs.String("policy", string(testserver.PolicySingleSession), "logout policy: single-session or per-device")
	registryPath := fs.String("registry", "", "optional YAML credential registry to seed from")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := testserver.DefaultConfig()
	cfg.DBPath = *dbPath
	cfg.SessionPolicy = testserver.SessionPolicy(*policy)
	cfg.Log = slog.Default()

	srv, err := testserver.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	reg, err := loadRegistry(*registryPath)
	if err != nil {
		return err
	}
	if err := srv.Seed(reg); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("authentication target listening", "addr", *addr, "policy", cfg.SessionPolicy)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}
	return nil
}
