package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/handlesync"
	"github.com/agentworkforce/handlesync/internal/localstore"
	"github.com/agentworkforce/handlesync/internal/manifest"
	"github.com/agentworkforce/handlesync/internal/remote"
)

func main() {
	streamURL := flag.String("url", envOrDefault("HANDLESYNC_URL", "ws://127.0.0.1:8080/v1/stream"), "handlesync stream URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("HANDLESYNC_TOKEN")), "bearer token")
	participant := flag.String("participant", strings.TrimSpace(os.Getenv("HANDLESYNC_PARTICIPANT")), "participant id prefix (persisted next to the manifest when empty)")
	manifestPath := flag.String("manifest", strings.TrimSpace(os.Getenv("HANDLESYNC_MANIFEST")), "handle manifest (YAML)")
	rootPath := flag.String("root", strings.TrimSpace(os.Getenv("HANDLESYNC_ROOT")), "remote root, overrides the manifest")
	reconnect := flag.Duration("reconnect", durationEnv("HANDLESYNC_RECONNECT_INTERVAL", 2*time.Second), "delay before reconnecting")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("HANDLESYNC_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("HANDLESYNC_TIMEOUT", 15*time.Second), "dial and request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or HANDLESYNC_TOKEN)")
	}
	if strings.TrimSpace(*manifestPath) == "" {
		log.Fatalf("manifest is required (--manifest or HANDLESYNC_MANIFEST)")
	}
	if *participant == "" {
		id, err := loadOrCreateParticipant(participantFile(*manifestPath))
		if err != nil {
			log.Fatalf("failed to resolve participant: %v", err)
		}
		*participant = id
		log.Printf("no participant given, using %s", *participant)
	}
	if *reconnect <= 0 {
		*reconnect = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*reconnectJitter = clampJitterRatio(*reconnectJitter)

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		log.Fatalf("failed to load manifest: %v", err)
	}
	root := remote.NormalizePath(*rootPath)
	if root == "" {
		root = remote.NormalizePath(m.Root)
	}
	registry, err := m.Registry()
	if err != nil {
		log.Fatalf("failed to compile schemas: %v", err)
	}
	runners, err := m.Open(localstore.Options{Validator: registry, Logger: log.Default()})
	if err != nil {
		log.Fatalf("failed to open handles: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handles := make([]handle.Handle, 0, len(runners))
	for _, r := range runners {
		handles = append(handles, r)
		go func(r manifest.Runner) {
			if err := r.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Printf("watching %s stopped: %v", r.Descriptor().Name, err)
			}
		}(r)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if err := runSession(rootCtx, *streamURL, *token, root, *participant, handles, *timeout); err != nil {
			log.Printf("sync session ended: %v", err)
		}
		delay := jitteredIntervalWithSample(*reconnect, *reconnectJitter, rng.Float64())
		select {
		case <-rootCtx.Done():
			log.Printf("handlesync stopping: %v", rootCtx.Err())
			return
		case <-time.After(delay):
		}
	}
}

// runSession syncs every handle over one connection until it drops or ctx
// is done.
func runSession(ctx context.Context, streamURL, token, root, participant string, handles []handle.Handle, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := remote.Dial(dialCtx, remote.ClientOptions{
		URL:            streamURL,
		Token:          token,
		RequestTimeout: timeout,
		Logger:         log.Default(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	syncer, err := handlesync.NewSynchronizer(client.Ref(root), handlesync.Options{Logger: log.Default()})
	if err != nil {
		return err
	}
	defer syncer.Close()
	session, err := syncer.BeginSync(participant, handles)
	if err != nil {
		return err
	}
	log.Printf("syncing %d handles under %q as %s", len(session.Paths()), root, participant)

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return client.Err()
	}
}

// participantFile sits next to the manifest so restarts keep the same
// prefix and still recognise records they wrote.
func participantFile(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), ".handlesync-participant")
}

func loadOrCreateParticipant(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
