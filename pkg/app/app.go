// Package app defines the runtime contract shared by the executable
// entrypoints. The rebalancer binary runs one rebalance through it.
package app

// Runner represents a runnable application component.
type Runner interface {
	Run() error
}
