//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package multicast

import "syscall"

// reuseControl 其他平台不设置端口复用，每个组播端口只能打开一个接口
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
