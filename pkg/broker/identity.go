package broker

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/metrics"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// Identity syscalls, swappable in tests. Setegid and Seteuid come from the
// standard syscall package: on Linux those apply to every thread of the
// process, which is what a switched call on a multi-threaded server needs
// (x/sys/unix has no Linux wrappers for them).
var (
	setegid   = syscall.Setegid
	seteuid   = syscall.Seteuid
	setgroups = unix.Setgroups
)

// Credentials is a resolved OS identity: the uid, primary gid and
// supplementary groups local filesystem calls should run under.
type Credentials struct {
	Username string
	UID      int
	GID      int
	Groups   []int
}

// ResolveCredentials looks up username in the OS user database.
//
// An unknown user maps to ErrPermissionDenied: from the caller's point of
// view the share simply refuses them, and the distinction is not theirs to
// probe.
func ResolveCredentials(username string) (*Credentials, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, registry.ErrPermissionDenied)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for user %q", u.Uid, username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid %q for user %q", u.Gid, username)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve groups for user %q: %v", username, err)
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, n)
	}

	return &Credentials{
		Username: username,
		UID:      uid,
		GID:      gid,
		Groups:   groups,
	}, nil
}

// IdentitySwitcher serializes effective-identity changes for the whole
// process.
//
// seteuid/setegid are process-wide, so two concurrent switched calls would
// bleed identities into each other. The switcher holds a single slot: at
// most one elevated call is in flight, everyone else queues on the slot
// channel honoring the caller's context.
//
// When disabled (non-root process, or switching turned off in config) the
// callback runs under the process's own identity.
type IdentitySwitcher struct {
	slot    chan struct{}
	enabled bool
	metrics metrics.BrokerMetrics
}

// NewIdentitySwitcher creates a switcher. enabled should be true only when
// the process runs with the privileges to change effective ids (euid 0).
// A nil metrics sink disables instrumentation.
func NewIdentitySwitcher(enabled bool, m metrics.BrokerMetrics) *IdentitySwitcher {
	if enabled && unix.Geteuid() != 0 {
		logger.Warn("Identity switching requested but process is not privileged (euid %d); disabling", unix.Geteuid())
		enabled = false
	}
	if m == nil {
		m = metrics.NewNoopBrokerMetrics()
	}
	return &IdentitySwitcher{
		slot:    make(chan struct{}, 1),
		enabled: enabled,
		metrics: m,
	}
}

// Enabled reports whether calls actually switch identity.
func (s *IdentitySwitcher) Enabled() bool {
	return s.enabled
}

// As runs fn with the process's effective identity set to creds, restoring
// the original identity before returning no matter how fn exits.
func (s *IdentitySwitcher) As(ctx context.Context, creds *Credentials, fn func() error) error {
	if !s.enabled {
		return fn()
	}

	start := time.Now()
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for identity slot: %w", ctx.Err())
	}
	s.metrics.ObserveElevationWait(time.Since(start))
	defer func() { <-s.slot }()

	savedUID := unix.Geteuid()
	savedGID := unix.Getegid()
	savedGroups, err := unix.Getgroups()
	if err != nil {
		return fmt.Errorf("failed to read current groups: %w", err)
	}

	// Group ids first: once euid drops, the process no longer has the
	// privilege to change them.
	if err := setegid(creds.GID); err != nil {
		return fmt.Errorf("setegid(%d): %w", creds.GID, err)
	}
	if err := setgroups(creds.Groups); err != nil {
		s.restore(savedUID, savedGID, savedGroups)
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := seteuid(creds.UID); err != nil {
		s.restore(savedUID, savedGID, savedGroups)
		return fmt.Errorf("seteuid(%d): %w", creds.UID, err)
	}

	defer s.restore(savedUID, savedGID, savedGroups)
	return fn()
}

// restore reverses a switch: euid back first to regain the privilege to
// reset groups. A restore failure leaves the process in an unknown identity,
// which is unrecoverable; log loudly.
func (s *IdentitySwitcher) restore(uid, gid int, groups []int) {
	if err := seteuid(uid); err != nil {
		logger.Error("FATAL: failed to restore euid %d: %v", uid, err)
	}
	if err := setgroups(groups); err != nil {
		logger.Error("FATAL: failed to restore groups: %v", err)
	}
	if err := setegid(gid); err != nil {
		logger.Error("FATAL: failed to restore egid %d: %v", gid, err)
	}
}
