package nostr

import (
	"hash/maphash"
	"net/url"
	"sync"
)

const maxLocks = 50

var (
	namedMutexPool = make([]sync.Mutex, maxLocks)
	namedLockSeed  = maphash.MakeSeed()
)

func namedLock(name string) (unlock func()) {
	idx := maphash.String(namedLockSeed, name) % maxLocks
	l := &namedMutexPool[idx]
	l.Lock()
	return l.Unlock
}

func IsValidRelayURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Scheme != "wss" && parsed.Scheme != "ws" {
		return false
	}
	return parsed.Host != ""
}
