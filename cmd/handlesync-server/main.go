package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/handlesync/internal/httpapi"
	"github.com/agentworkforce/handlesync/internal/remote"
)

func main() {
	addr := os.Getenv("HANDLESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := remote.NewMemoryStoreWithOptions(remote.MemoryStoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to load remote tree: %v", err)
	}
	defer store.Close()

	secret := jwtSecretFromEnv()
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:              secret,
		MaxBodyBytes:           int64Env("HANDLESYNC_MAX_BODY_BYTES", 0),
		MaxSubscriptionBacklog: intEnv("HANDLESYNC_MAX_SUBSCRIPTION_BACKLOG", 0),
		Logger:                 log.Default(),
	})

	if agent := strings.TrimSpace(os.Getenv("HANDLESYNC_DEV_TOKEN_AGENT")); agent != "" {
		if secret == "" {
			secret = "dev-secret"
		}
		token, err := httpapi.IssueToken(secret, agent, os.Getenv("HANDLESYNC_DEV_TOKEN_ROOT"),
			[]string{httpapi.ScopeRead, httpapi.ScopeWrite}, durationEnv("HANDLESYNC_DEV_TOKEN_TTL", 24*time.Hour))
		if err != nil {
			log.Fatalf("failed to mint development token: %v", err)
		}
		log.Printf("development token for %s: %s", agent, token)
	}

	log.Printf("handlesync listening on %s (revision %d)", addr, store.Revision())
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// jwtSecretFromEnv returns HANDLESYNC_JWT_SECRET and warns when it is unset,
// since the server then accepts tokens signed with the development secret.
func jwtSecretFromEnv() string {
	secret := strings.TrimSpace(os.Getenv("HANDLESYNC_JWT_SECRET"))
	if secret == "" {
		log.Printf("warning: HANDLESYNC_JWT_SECRET is unset; using the development secret")
	}
	return secret
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (remote.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("HANDLESYNC_STATE_BACKEND_DSN")); dsn != "" {
		return remote.BuildStateBackendFromDSN(dsn)
	}
	if profileDSN != "" {
		return remote.BuildStateBackendFromDSN(profileDSN)
	}
	return nil, nil
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("HANDLESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("HANDLESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".handlesync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("HANDLESYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("HANDLESYNC_POSTGRES_DSN is required when HANDLESYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "tree.json"), nil
	default:
		return "", fmt.Errorf("unsupported HANDLESYNC_BACKEND_PROFILE: %s", profile)
	}
}
