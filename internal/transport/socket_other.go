//go:build !unix

package transport

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEADDR semantics differ; sharing a
// multicast port between processes is then not supported.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }
