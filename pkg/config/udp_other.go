//go:build !unix

package config

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
