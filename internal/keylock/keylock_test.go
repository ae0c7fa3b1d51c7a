package keylock

import (
	"sync"
	"testing"
)

func TestSet_SerializesSameKey(t *testing.T) {
	var s Set
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("ventura/news")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestSet_IndependentKeys(t *testing.T) {
	var s Set
	unlockA := s.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := s.Lock("b")
		unlock()
		close(done)
	}()
	<-done
}

func TestKey(t *testing.T) {
	if got := Key("Ventura", "news"); got != "Ventura/news" {
		t.Errorf("Key = %s, want Ventura/news", got)
	}
}
