// Package access implements C6: authorizing a decoded command against
// the privilege required for its target endpoint, using the peer
// credentials retrieved from the connecting Unix socket.
package access

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"csrd/internal/wire"
)

// Privilege names one of the two capability classes a caller can
// hold.
type Privilege int

const (
	PrivilegeScan Privilege = iota
	PrivilegeAdmin
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeScan:
		return "antivirus.scan"
	case PrivilegeAdmin:
		return "antivirus.admin"
	default:
		return "unknown"
	}
}

// Endpoint names one of the three sockets a connection arrived on.
type Endpoint int

const (
	EndpointContent Endpoint = iota
	EndpointWeb
	EndpointAdmin
)

// Credential is a peer's resolved identity, retrieved once per
// accepted connection via SO_PEERCRED.
type Credential struct {
	UID uint32
	GID uint32
	PID uint32
}

// PeerCredential reads SO_PEERCRED off a connected Unix-domain socket.
func PeerCredential(conn *net.UnixConn) (Credential, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credential{}, fmt.Errorf("access: getting raw conn: %w", err)
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Credential{}, fmt.Errorf("access: control: %w", err)
	}
	if sockErr != nil {
		return Credential{}, fmt.Errorf("access: SO_PEERCRED: %w", sockErr)
	}
	return Credential{UID: cred.Uid, GID: cred.Gid, PID: uint32(cred.Pid)}, nil
}

// RequiredPrivilege returns the privilege required for cmd dispatched
// over endpoint, per specification §6. content.judge_status is the
// one command that escalates its requirement above its socket's
// baseline.
func RequiredPrivilege(endpoint Endpoint, cmd wire.CommandID) Privilege {
	if endpoint == EndpointAdmin {
		return PrivilegeAdmin
	}
	if endpoint == EndpointContent && cmd == wire.CmdJudgeStatus {
		return PrivilegeAdmin
	}
	return PrivilegeScan
}

// Authorizer checks a credential against configured uid/gid allow
// lists per privilege.
type Authorizer struct {
	scanUIDs, scanGIDs   map[uint32]bool
	adminUIDs, adminGIDs map[uint32]bool
}

// NewAuthorizer builds an Authorizer from configured allow-lists. An
// empty list for a privilege means "allow any caller" (appropriate
// for a daemon fronted entirely by socket-file permissions); callers
// should prefer populating both.
func NewAuthorizer(scanUIDs, scanGIDs, adminUIDs, adminGIDs []uint32) *Authorizer {
	toSet := func(ids []uint32) map[uint32]bool {
		m := make(map[uint32]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		return m
	}
	return &Authorizer{
		scanUIDs:  toSet(scanUIDs),
		scanGIDs:  toSet(scanGIDs),
		adminUIDs: toSet(adminUIDs),
		adminGIDs: toSet(adminGIDs),
	}
}

// Check authorizes cred for the privilege required by cmd on
// endpoint.
func (a *Authorizer) Check(endpoint Endpoint, cmd wire.CommandID, cred Credential) error {
	priv := RequiredPrivilege(endpoint, cmd)
	var uids, gids map[uint32]bool
	switch priv {
	case PrivilegeAdmin:
		uids, gids = a.adminUIDs, a.adminGIDs
	default:
		uids, gids = a.scanUIDs, a.scanGIDs
	}
	if len(uids) == 0 && len(gids) == 0 {
		return nil
	}
	if uids[cred.UID] || gids[cred.GID] {
		return nil
	}
	return wire.ErrPermissionDenied
}
