package handlesync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/handlesync/internal/handle"
	"github.com/agentworkforce/handlesync/internal/remote"
)

// ExcludeTag marks a handle that must never leave the participant.
const ExcludeTag = "nosync"

var (
	ErrParticipantRequired = errors.New("participant is required")
	ErrRootRequired        = errors.New("remote root is required")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	// ExcludeTag overrides the tag that keeps a handle local. Defaults to
	// ExcludeTag.
	ExcludeTag string
}

// Synchronizer mirrors a participant's handles into one remote root. Each
// BeginSync replaces the previous session, so calling it again with a new
// handle list is a full resync.
type Synchronizer struct {
	root       remote.Ref
	logger     Logger
	excludeTag string

	mu       sync.Mutex
	session  *Session
	metadata sync.WaitGroup
}

func NewSynchronizer(root remote.Ref, opts Options) (*Synchronizer, error) {
	if root == nil {
		return nil, ErrRootRequired
	}
	excludeTag := strings.TrimSpace(opts.ExcludeTag)
	if excludeTag == "" {
		excludeTag = ExcludeTag
	}
	return &Synchronizer{
		root:       root,
		logger:     opts.Logger,
		excludeTag: excludeTag,
	}, nil
}

// Session is the set of watchers installed by one BeginSync call.
type Session struct {
	participant string
	paths       []RemotePath
	disposers   []func()
	once        sync.Once
}

func (s *Session) Participant() string {
	return s.participant
}

// Paths lists the remote paths this session keeps in sync, ordered by their
// canonical form.
func (s *Session) Paths() []RemotePath {
	out := append([]RemotePath(nil), s.paths...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Dispose removes every watcher of the session. It is safe to call more than
// once.
func (s *Session) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, dispose := range s.disposers {
			if dispose != nil {
				dispose()
			}
		}
		s.disposers = nil
	})
}

// BeginSync disposes the current session and installs a watcher pair for
// every handle that should be shared. Handles that cannot be synced are
// logged and skipped.
func (s *Synchronizer) BeginSync(participant string, handles []handle.Handle) (*Session, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, ErrParticipantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Dispose()
		s.session = nil
	}

	session := &Session{participant: participant}
	seen := map[string]struct{}{}
	s.logf("begin sync for %s: %d handles", participant, len(handles))
	for i, h := range handles {
		if h == nil {
			s.logf("skipping handle %d: nil", i)
			continue
		}
		desc := h.Descriptor()
		if desc.HasTag(s.excludeTag) {
			continue
		}
		path := RemotePathFor(desc)
		key := path.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		node := s.root.Child("handles").Child(key)
		s.writeMetadata(node.Child("metadata"), desc, key)
		dispose, err := s.install(participant, h, desc, node.Child("values"), key)
		if err != nil {
			s.logf("skipping handle %q (%s): %v", desc.Name, path, err)
			continue
		}
		session.paths = append(session.paths, path)
		session.disposers = append(session.disposers, dispose)
	}
	s.session = session
	return session, nil
}

func (s *Synchronizer) install(participant string, h handle.Handle, desc handle.Descriptor, values remote.Ref, key string) (func(), error) {
	switch desc.Kind {
	case handle.KindRegister:
		local, ok := h.(handle.Register)
		if !ok {
			return nil, fmt.Errorf("%T does not implement a register", h)
		}
		s.logf("syncing register %s", key)
		return watchRegister(local, values, participant, s.logger), nil
	case handle.KindCollection:
		local, ok := h.(handle.Collection)
		if !ok {
			return nil, fmt.Errorf("%T does not implement a collection", h)
		}
		s.logf("syncing collection %s", key)
		return watchCollection(local, values, participant, s.logger), nil
	default:
		return nil, fmt.Errorf("unsupported handle kind %q", desc.Kind)
	}
}

// writeMetadata records what lives at a handle path. Nothing waits for it;
// a failure only costs the description, not the values.
func (s *Synchronizer) writeMetadata(ref remote.Ref, desc handle.Descriptor, key string) {
	fields := map[string]any{
		"type": desc.Type,
		"name": nil,
		"tags": desc.NormalizedTags(),
	}
	if desc.Name != "" {
		fields["name"] = desc.Name
	}
	s.metadata.Add(1)
	go func() {
		defer s.metadata.Done()
		if err := ref.Update(fields); err != nil {
			s.logf("metadata update for %s failed: %v", key, err)
		}
	}()
}

// Session returns the live session, if any.
func (s *Synchronizer) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Close disposes the live session and waits for metadata writes in flight.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.session != nil {
		s.session.Dispose()
		s.session = nil
	}
	s.mu.Unlock()
	s.metadata.Wait()
}

func (s *Synchronizer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
