package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Mindburn-Labs/helm-relay/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

var (
	// ErrClaimLost means another relay instance took the artifact first.
	ErrClaimLost = errors.New("artifact claimed by another instance")
	// ErrInstanceBusy means a live process already holds this instance's claims.
	ErrInstanceBusy = errors.New("relay instance already running")
)

// DefaultInstance names the claim directory when none is configured.
const DefaultInstance = "default"

const (
	artifactExt   = ".json"
	maxCollisions = 64
)

// Artifact is a claimed inbound file.
type Artifact struct {
	Name string // inbox file name, e.g. "msg-001.json"
	Stem string // name without extension
	Path string // current location under processing/<instance>/
}

// Queue moves artifacts through the directory layout. Claims land in a
// per-instance directory guarded by an exclusive file lock, so an instance
// only ever resumes its own claims or those of an instance that is gone.
type Queue struct {
	layout   Layout
	mirror   artifacts.Store
	instance string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithInstance sets the claim directory name. It must be a plain file name.
func WithInstance(id string) QueueOption {
	return func(q *Queue) {
		if id != "" {
			q.instance = id
		}
	}
}

// NewQueue creates a queue. mirror may be nil.
func NewQueue(layout Layout, mirror artifacts.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		layout:   layout,
		mirror:   mirror,
		instance: DefaultInstance,
		logger:   slog.Default().With("component", "transport"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Layout() Layout { return q.layout }

// Instance is the claim directory name.
func (q *Queue) Instance() string { return q.instance }

// ClaimDir is processing/<instance>.
func (q *Queue) ClaimDir() string { return q.layout.ClaimDir(q.instance) }

// Lock takes the instance lock. It is idempotent and is called implicitly by
// Claim and Stranded.
func (q *Queue) Lock() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lock != nil {
		return nil
	}
	if !safeComponent(q.instance) {
		return fmt.Errorf("invalid instance name %q", q.instance)
	}
	if err := os.MkdirAll(q.ClaimDir(), 0750); err != nil {
		return fmt.Errorf("create claim dir: %w", err)
	}
	fl := flock.New(q.layout.InstanceLock(q.instance))
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", q.instance, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceBusy, q.instance)
	}
	q.lock = fl
	return nil
}

// Unlock releases the instance lock. Claims stay on disk for the next run.
func (q *Queue) Unlock() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lock == nil {
		return nil
	}
	err := q.lock.Unlock()
	q.lock = nil
	return err
}

// Pending lists inbox artifacts in claim order (lexical).
func (q *Queue) Pending() ([]string, error) {
	return listArtifacts(q.layout.Inbox())
}

// Stranded returns artifacts an interrupted run left behind: this instance's
// own claims plus those of any instance whose lock is free, which are moved
// into this instance's claim directory first. Claims of live instances are
// never touched.
func (q *Queue) Stranded(ctx context.Context) ([]Artifact, error) {
	if err := q.Lock(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(q.layout.Processing())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.layout.Processing(), err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == q.instance || !safeComponent(e.Name()) {
			continue
		}
		if err := q.adopt(ctx, e.Name()); err != nil {
			q.logger.WarnContext(ctx, "could not adopt orphaned claims", "instance", e.Name(), "error", err)
		}
	}

	names, err := listArtifacts(q.ClaimDir())
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(names))
	for _, name := range names {
		out = append(out, newArtifact(name, filepath.Join(q.ClaimDir(), name)))
	}
	return out, nil
}

// adopt moves the claims of a dead instance into this one.
func (q *Queue) adopt(ctx context.Context, instance string) error {
	fl := flock.New(q.layout.InstanceLock(instance))
	ok, err := fl.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() { _ = fl.Unlock() }()

	dir := q.layout.ClaimDir(instance)
	names, err := listArtifacts(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		dst, err := q.move(filepath.Join(dir, name), filepath.Join(q.ClaimDir(), name))
		if err != nil {
			return err
		}
		q.logger.WarnContext(ctx, "adopted orphaned claim", "instance", instance, "artifact", name, "path", dst)
	}
	return nil
}

// Claim atomically moves name from inbox/ into this instance's claim
// directory. An existing claim of the same name is never replaced.
func (q *Queue) Claim(name string) (Artifact, error) {
	if !validName(name) {
		return Artifact{}, fmt.Errorf("invalid artifact name %q", name)
	}
	if err := q.Lock(); err != nil {
		return Artifact{}, err
	}
	dst, err := q.move(filepath.Join(q.layout.Inbox(), name), filepath.Join(q.ClaimDir(), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, ErrClaimLost
		}
		return Artifact{}, fmt.Errorf("claim %s: %w", name, err)
	}
	return newArtifact(name, dst), nil
}

// move hard-links src at dst (or a unique sibling) and then unlinks src.
// Only one of several concurrent movers can unlink src; the others undo
// their link and see os.ErrNotExist.
func (q *Queue) move(src, dst string) (string, error) {
	placed, err := q.link(src, dst)
	if err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(placed)
		return "", err
	}
	return placed, nil
}

// link hard-links src at dst, or at dst with a timestamp before the extension
// when dst is taken.
func (q *Queue) link(src, dst string) (string, error) {
	path := dst
	for i := 0; ; i++ {
		err := os.Link(src, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) || i >= maxCollisions {
			return "", err
		}
		ext := filepath.Ext(dst)
		path = strings.TrimSuffix(dst, ext) + "." + strconv.FormatInt(q.now().UnixNano()+int64(i), 10) + ext
	}
}

func (q *Queue) Read(a Artifact) ([]byte, error) {
	data, err := os.ReadFile(a.Path) //nolint:gosec // path built from a listed directory entry
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Name, err)
	}
	return data, nil
}

// ResponsePath is the outbox file for a given status.
func (q *Queue) ResponsePath(a Artifact, status contracts.Status) string {
	suffix := "_response"
	if status != contracts.StatusAccepted {
		suffix = "_error"
	}
	return filepath.Join(q.layout.Outbox(), a.Stem+suffix+artifactExt)
}

// WriteResponse writes data to the outbox and returns its path. An existing
// response of the same name is never overwritten.
func (q *Queue) WriteResponse(a Artifact, status contracts.Status, data []byte) (string, error) {
	path, err := q.writeExclusive(q.ResponsePath(a, status), data)
	if err != nil {
		return "", fmt.Errorf("write response for %s: %w", a.Name, err)
	}
	return path, nil
}

// Archive mirrors the original bytes, when a mirror is configured, and then
// moves the artifact verbatim into archive/. A mirror failure is logged and
// does not block archiving.
func (q *Queue) Archive(ctx context.Context, a Artifact, raw []byte) (string, error) {
	if q.mirror != nil {
		if hash, err := q.mirror.Put(ctx, raw); err != nil {
			q.logger.WarnContext(ctx, "archive mirror failed", "artifact", a.Name, "error", err)
		} else {
			q.logger.DebugContext(ctx, "archive mirrored", "artifact", a.Name, "hash", hash)
		}
	}
	dst, err := q.move(a.Path, filepath.Join(q.layout.Archive(), a.Name))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", a.Name, err)
	}
	return dst, nil
}

func (q *Queue) writeExclusive(path string, data []byte) (string, error) {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp) }()
	return q.link(tmp, path)
}

// WriteExclusive writes data through a synced temp file and links it at path,
// or at a timestamped sibling when path exists. It returns the path used.
func WriteExclusive(path string, data []byte) (string, error) {
	q := &Queue{now: time.Now}
	return q.writeExclusive(path, data)
}

func newArtifact(name, path string) Artifact {
	return Artifact{Name: name, Stem: strings.TrimSuffix(name, artifactExt), Path: path}
}

func validName(name string) bool {
	return strings.HasSuffix(name, artifactExt) && safeComponent(name)
}

func safeComponent(name string) bool {
	return name != "" && name != ".." && !strings.HasPrefix(name, ".") &&
		filepath.Base(name) == name && !strings.ContainsAny(name, `/\`+"\x00")
}

func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && validName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// writeTemp writes data to a synced 0644 temp file in dir.
func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	//nolint:gosec // G302: responses are read by other components
	if err := os.Chmod(name, 0644); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// WriteAtomic writes data through a synced temp file and renames it into
// place with mode 0644, replacing any existing file.
func WriteAtomic(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()
	return os.Rename(tmp, path)
}
