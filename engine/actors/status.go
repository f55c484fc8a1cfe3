package actors

import (
	"github.com/sasha-s/go-deadlock"
)

var terminateChan chan struct{}
var waitGroup = &deadlock.WaitGroup{}

func SetTerminateChan(term chan struct{}) {
	terminateChan = term
}

func GetTerminateChan() chan struct{} {
	return terminateChan
}

func GetWaitGroup() *deadlock.WaitGroup {
	return waitGroup
}

// Shutdown closes the terminate channel exactly once.
func Shutdown() {
	select {
	case <-terminateChan:
	default:
		close(terminateChan)
	}
}
