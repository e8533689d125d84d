package shellexec

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/notify"
)

var shellLog = logging.ForComponent(logging.CompShell)

// DefaultTimeout bounds one command invocation.
const DefaultTimeout = 10 * time.Second

// Executor runs host commands with a timeout. Failures return "" so callers
// degrade instead of branching on exec errors.
type Executor struct {
	timeout time.Duration
}

func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Run executes name with args and returns trimmed stdout, or "" on any
// failure (missing binary, non-zero exit, timeout).
func (e *Executor) Run(ctx context.Context, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		shellLog.Debug("command_failed",
			slog.String("command", name),
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(string(out))
}

// userInfoRe matches one user entry in `pm list users` style output,
// e.g. "UserInfo{10:Work profile:430}".
var userInfoRe = regexp.MustCompile(`UserInfo\{(\d+):([^:}]*):[^}]*\}`)

// ProfileInfo is one host user profile discovered via shell.
type ProfileInfo struct {
	UserID int
	Name   string
}

// ParseProfiles extracts profile entries from raw `pm list users` output.
// Unparseable lines are skipped.
func ParseProfiles(raw string) []ProfileInfo {
	var out []ProfileInfo
	for _, line := range strings.Split(raw, "\n") {
		m := userInfoRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, ProfileInfo{UserID: id, Name: strings.TrimSpace(m[2])})
	}
	return out
}

// ProfileCache discovers and caches the mapping from host user ids to
// profiles. Refresh is safe to call from a background goroutine; lookups
// never block on shell work.
type ProfileCache struct {
	exec    *Executor
	command []string

	mu       sync.RWMutex
	ownerID  int
	profiles map[int]notify.Profile
}

// NewProfileCache builds a cache around the configured listing command
// (for example ["adb", "shell", "pm", "list", "users"]). With an empty
// command every lookup falls back to the personal profile.
func NewProfileCache(exec *Executor, command []string) *ProfileCache {
	return &ProfileCache{
		exec:     exec,
		command:  command,
		profiles: make(map[int]notify.Profile),
	}
}

// Refresh re-runs profile discovery. The first listed user is treated as the
// owner; any user whose name mentions "work" maps to the work profile and
// every other secondary user to private.
func (c *ProfileCache) Refresh(ctx context.Context) {
	if len(c.command) == 0 {
		return
	}
	raw := c.exec.Run(ctx, c.command[0], c.command[1:]...)
	if raw == "" {
		return
	}
	infos := ParseProfiles(raw)
	if len(infos) == 0 {
		return
	}

	profiles := make(map[int]notify.Profile, len(infos))
	ownerID := infos[0].UserID
	for i, info := range infos {
		switch {
		case i == 0:
			profiles[info.UserID] = notify.ProfilePersonal
		case strings.Contains(strings.ToLower(info.Name), "work"):
			profiles[info.UserID] = notify.ProfileWork
		default:
			profiles[info.UserID] = notify.ProfilePrivate
		}
	}

	c.mu.Lock()
	c.ownerID = ownerID
	c.profiles = profiles
	c.mu.Unlock()
	shellLog.Info("profiles_refreshed", slog.Int("count", len(profiles)))
}

// ProfileFor maps a host user id to a profile. Unknown ids (including the
// sentinel for a missing id) resolve to personal.
func (c *ProfileCache) ProfileFor(userID int) notify.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[userID]; ok {
		return p
	}
	return notify.ProfilePersonal
}

// OwnerID returns the discovered owner user id, zero before the first
// successful refresh.
func (c *ProfileCache) OwnerID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ownerID
}
