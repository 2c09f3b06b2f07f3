package tfms90

import "sync"

// AliasTable maps assigned short device ids back to IMEIs for the lifetime of
// the process. Login handlers write once per device; every subsequent frame
// from that device reads, so lookups vastly outnumber updates.
type AliasTable struct {
	mu    sync.RWMutex
	imeis map[int]string
}

func NewAliasTable() *AliasTable {
	return &AliasTable{imeis: make(map[int]string)}
}

// Put records or refreshes the alias binding after a successful login.
func (t *AliasTable) Put(shortID int, imei string) {
	t.mu.Lock()
	t.imeis[shortID] = imei
	t.mu.Unlock()
}

// IMEI resolves a short id to the IMEI that registered it.
func (t *AliasTable) IMEI(shortID int) (string, bool) {
	t.mu.RLock()
	imei, ok := t.imeis[shortID]
	t.mu.RUnlock()
	return imei, ok
}

// Len reports how many aliases are bound.
func (t *AliasTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.imeis)
}
