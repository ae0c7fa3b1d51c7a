// Package keylock はキー単位の排他制御を提供する。
// 重複排除ストアとクォータトラッカーで (city, category) ごとの更新を直列化する。
package keylock

import "sync"

// Set はキーごとのミューテックスを管理する。ゼロ値で使用できる。
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock はキーのロックを取得し、解放関数を返す。
func (s *Set) Lock(key string) (unlock func()) {
	m := s.get(key)
	m.Lock()
	return m.Unlock
}

// get はキーのミューテックスを取得または作成する。
// キー数は都市×カテゴリで上限があるため削除は行わない。
func (s *Set) get(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Key は都市とカテゴリからロックキーを組み立てる。
func Key(city, category string) string {
	return city + "/" + category
}
