//go:build unix

package watcher

import (
	"os"
	"syscall"
)

func identityOf(info os.FileInfo) FileIdentity {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileIdentity{}
	}
	return FileIdentity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}
