package watcher

// FileIdentity distinguishes a file from a replacement created at the same
// path. The zero value means unknown.
type FileIdentity struct {
	Dev uint64 `json:"dev"`
	Ino uint64 `json:"ino"`
}

func (id FileIdentity) Known() bool {
	return id != FileIdentity{}
}

// replaced reports whether cur is known to be a different file than prev.
func replaced(prev, cur FileIdentity) bool {
	return prev.Known() && cur.Known() && prev != cur
}
