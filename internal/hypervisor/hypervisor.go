// Package hypervisor defines the driver interface the daemon consumes,
// the per-session parameter model, and the SQLite store drivers use to
// persist session parameters across daemon restarts.
//
// Real drivers (VirtualBox and friends) live out of tree and register a
// DetectFunc; the in-tree MockDriver covers tests and development.
package hypervisor

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cernvm/cernvm-webapi/internal/interaction"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
	"github.com/cernvm/cernvm-webapi/internal/progress"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// State is a session's lifecycle state as reported by the driver.
type State int

const (
	StateMissing   State = 0
	StateAvailable State = 1
	StatePowerOff  State = 2
	StateSaved     State = 3
	StatePaused    State = 4
	StateRunning   State = 5
)

// ProbeKind selects how the in-guest API is probed.
type ProbeKind int

const (
	// ProbeHTTP checks the HTTP API port inside the guest.
	ProbeHTTP ProbeKind = iota
)

// Well-known keys of the session Local map.
const (
	LocalState   = "state"
	LocalAPIHost = "apiHost"
	LocalAPIPort = "apiPort"
)

// ExtraVideoMode is the ExtraInfo key for the guest video mode.
const ExtraVideoMode = "videoMode"

// SessionValidate results.
const (
	ValidateNew              = 0
	ValidateExists           = 1
	ValidatePasswordMismatch = 2
)

// Driver manages hypervisor sessions on this machine.
type Driver interface {
	// Name is the human-readable hypervisor name, e.g. "VirtualBox".
	Name() string

	// Version is the installed hypervisor version.
	Version() Version

	// WaitTillReady blocks until delayed hypervisor initialization has
	// finished, possibly prompting the user (extension packs, first-run
	// downloads).
	WaitTillReady(ctx context.Context, ks keystore.Keystore, task *progress.Task, ui *interaction.UserInteraction) error

	// SessionValidate checks the manifest against existing sessions:
	// ValidateNew, ValidateExists, or ValidatePasswordMismatch.
	SessionValidate(vmcp map[string]any) int

	// SessionOpen opens or resumes the session described by the
	// manifest. A nil session with nil error means the driver refused.
	SessionOpen(vmcp map[string]any, task *progress.Task) (Session, error)

	// CheckDaemonNeed lets the driver reconcile its helper daemon with
	// the set of live sessions.
	CheckDaemonNeed()

	// Sessions returns the driver's session map keyed by uuid.
	Sessions() map[string]Session

	// LoadSessions (re)loads persisted sessions from the store.
	LoadSessions() error
}

// Session is one hypervisor-managed VM.
type Session interface {
	UUID() string

	Start(params map[string]any) protocol.Code
	Stop() protocol.Code
	Pause() protocol.Code
	Resume() protocol.Code
	Hibernate() protocol.Code
	Reset() protocol.Code
	Close() protocol.Code

	// Update refreshes driver-side state. force bypasses caches.
	Update(force bool) error

	// Wait blocks until the session FSM has settled after open.
	Wait()

	// IsAPIAlive probes the in-guest API with the given timeout.
	IsAPIAlive(kind ProbeKind, timeoutSec int) bool

	RDPAddress() string
	ExtraInfo(key string) string
	SetExecutionCap(cap int)
	SetProperty(key, value string)

	// Parameters is the persistent per-session configuration map.
	Parameters() *ParameterMap

	// Local is the driver-maintained runtime map (state, apiHost, ...).
	Local() *ParameterMap

	// Callback registration. A nil handler unregisters.
	OnFailure(fn func(flags int))
	OnStateChanged(fn func(state State))
	OnResolutionChanged(fn func(width, height, bpp int))
}

// DetectOptions is handed to driver probes.
type DetectOptions struct {
	Store *Store
}

// DetectFunc probes for an installed hypervisor. Returning (nil, nil)
// means "not installed".
type DetectFunc func(opts DetectOptions) (Driver, error)

var (
	detectMu sync.Mutex
	probes   []DetectFunc
)

// RegisterDriver adds a driver probe. Called from driver init functions.
func RegisterDriver(fn DetectFunc) {
	detectMu.Lock()
	defer detectMu.Unlock()
	probes = append(probes, fn)
}

// Detect returns the first installed hypervisor, or nil.
func Detect(opts DetectOptions) Driver {
	detectMu.Lock()
	fns := make([]DetectFunc, len(probes))
	copy(fns, probes)
	detectMu.Unlock()

	for _, fn := range fns {
		if drv, err := fn(opts); err == nil && drv != nil {
			return drv
		}
	}
	return nil
}

// Version is a dotted numeric hypervisor version.
type Version struct {
	raw string
}

// ParseVersion parses a version like "5.2.44" or "4.3".
func ParseVersion(s string) Version {
	return Version{raw: strings.TrimSpace(s)}
}

// String returns the raw version string.
func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1 comparing v with other numerically per
// dotted component. Missing components count as zero.
func (v Version) Compare(other Version) int {
	a := strings.Split(v.raw, ".")
	b := strings.Split(other.raw, ".")
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	// A component counts by its leading digit run, so a build suffix
	// such as "44r139111" compares as 44.
	num := func(s string) int {
		s = strings.TrimLeftFunc(s, func(r rune) bool { return r < '0' || r > '9' })
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		v, _ := strconv.Atoi(s[:end])
		return v
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = num(a[i])
		}
		if i < len(b) {
			bv = num(b[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}
