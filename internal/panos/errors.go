// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package panos

import "github.com/juju/errors"

// Every client operation fails with exactly one of these kinds, so
// callers can branch with errors.Is without knowing the transport.
const (
	// ErrAuth means the device rejected the credentials.
	ErrAuth = errors.ConstError("authentication failed")
	// ErrConnect covers unreachable hosts and broken transports.
	ErrConnect = errors.ConstError("connection failed")
	// ErrTimeout means the request deadline elapsed. Expected while
	// a device reboots.
	ErrTimeout = errors.ConstError("request timed out")
	// ErrRefused means the device actively refused the connection.
	ErrRefused = errors.ConstError("connection refused")
	// ErrProtocol means the device answered with something the typed
	// parsers could not accept, or reported a command error.
	ErrProtocol = errors.ConstError("protocol error")
	// ErrNotFound means the requested entity (a job id, a software
	// version) does not exist on the device.
	ErrNotFound = errors.ConstError("not found")
)

// Transient reports whether an operation error is of a kind expected
// to clear on its own, such as the connection flaps seen while a
// device goes down for reboot.
func Transient(err error) bool {
	return errors.Is(err, ErrConnect) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRefused)
}
