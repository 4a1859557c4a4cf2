package processor

import (
	"strconv"
	"sync"
)

// keyedMutex 按键串行化房源的查找与写入。
// 不再使用的键会被回收，map 大小只与当前持锁的键数相关。
//
// 加锁顺序固定为 别名 → 城市 → 房源，房源锁是最内层，持有时不再获取其他锁。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock 获取 key 对应的锁，返回解锁函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func aliasLockKey(source, sourceID string) string {
	return "alias:" + source + "/" + sourceID
}

func cityLockKey(city string) string {
	return "city:" + city
}

func listingLockKey(id uint) string {
	return "listing:" + strconv.FormatUint(uint64(id), 10)
}
