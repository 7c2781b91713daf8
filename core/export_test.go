package core

import "github.com/web3guy0/polyengine/strategy"

// FilterSignals exposes the router filter to package core_test
func (e *Engine) FilterSignals(s strategy.Strategy, sigs []*strategy.Signal) []*strategy.Signal {
	return e.filter(s, sigs)
}
