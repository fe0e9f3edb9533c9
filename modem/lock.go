package modem

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// UnlockFunc releases one acquisition of a PortLock. It must be called
// exactly once on every exit path, typically via defer.
type UnlockFunc func()

// PortLock serializes access to a physical modem port across goroutines
// and across OS processes.
//
// In-process ordering uses a re-entrant mutex: a goroutine already
// holding the lock may acquire it again, so high-level operations
// (bearer open + request + bearer close) can call into lower-level
// helpers that lock on their own behalf without deadlocking.
//
// Cross-process ordering uses an advisory flock on a well-known path
// derived from the device identity. The file's contents are
// meaningless; only its lock state matters. The flock is taken when the
// outermost acquisition succeeds and dropped when it releases, so a
// logical operation appears atomic to other processes for its whole
// duration.
type PortLock struct {
	mu      sync.Mutex // guards owner/depth
	sem     chan struct{}
	owner   uint64
	depth   int
	flock   *flock.Flock
	timeout time.Duration
}

// LockPath returns the conventional lock file path for a device path,
// e.g. /tmp/sim800-ttyUSB0.lock for /dev/ttyUSB0.
func LockPath(device string) string {
	base := filepath.Base(device)
	if base == "." || base == "/" || base == "" {
		base = "port"
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	return filepath.Join(os.TempDir(), "sim800-"+base+".lock")
}

// NewPortLock creates a PortLock. An empty lockFile disables the
// cross-process part, leaving goroutine ordering only. acquireTimeout
// bounds every Acquire call; zero means 30 seconds.
func NewPortLock(lockFile string, acquireTimeout time.Duration) *PortLock {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	l := &PortLock{
		sem:     make(chan struct{}, 1),
		timeout: acquireTimeout,
	}
	if lockFile != "" {
		l.flock = flock.New(lockFile)
	}
	return l
}

// Acquire takes the lock, blocking up to the configured bound. The
// returned UnlockFunc releases this acquisition; the cross-process lock
// is only dropped when the outermost acquisition releases.
func (l *PortLock) Acquire(ctx context.Context) (UnlockFunc, error) {
	gid := goroutineID()

	l.mu.Lock()
	if l.depth > 0 && l.owner == gid {
		l.depth++
		l.mu.Unlock()
		return func() { l.release(gid) }, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	if l.flock != nil {
		ok, err := l.flock.TryLockContext(ctx, 25*time.Millisecond)
		if err != nil || !ok {
			<-l.sem
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
	}

	l.mu.Lock()
	l.owner = gid
	l.depth = 1
	l.mu.Unlock()

	return func() { l.release(gid) }, nil
}

func (l *PortLock) release(gid uint64) {
	l.mu.Lock()
	if l.depth == 0 || l.owner != gid {
		l.mu.Unlock()
		panic("modem: PortLock released by non-owner")
	}
	l.depth--
	last := l.depth == 0
	if last {
		l.owner = 0
	}
	l.mu.Unlock()

	if last {
		if l.flock != nil {
			// Advisory; nothing useful to do on failure here.
			_ = l.flock.Unlock()
		}
		<-l.sem
	}
}

// goroutineID extracts the current goroutine's id from its stack
// header. Re-entrancy needs an owner identity and the runtime does not
// expose one.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
