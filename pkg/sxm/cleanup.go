package sxm

import "github.com/vatesfr/sxmd/internal/logger"

// Cleanup is a last-in-first-out list of compensating actions. Each
// irreversible step of a multi-step operation pushes its undo before the
// next step begins; on any error the stack runs before the error is
// re-raised (spec §4.1).
type Cleanup struct {
	actions []func()
}

// NewCleanup returns an empty cleanup stack.
func NewCleanup() *Cleanup {
	return &Cleanup{}
}

// Add pushes a compensating action onto the stack.
func (c *Cleanup) Add(action func()) {
	c.actions = append(c.actions, action)
}

// Combine prepends another stack's actions onto this one, so that running
// this stack also unwinds the other stack's steps, in the order the other
// stack would have unwound them.
func (c *Cleanup) Combine(other *Cleanup) {
	if other == nil {
		return
	}

	c.actions = append(append([]func(){}, other.actions...), c.actions...)
}

// Run invokes every action in reverse order, swallowing and logging
// individual panics/errors so that one failing cleanup never masks others.
func (c *Cleanup) Run() {
	for i := len(c.actions) - 1; i >= 0; i-- {
		runOne(c.actions[i])
	}
}

func runOne(action func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cleanup action panicked", logger.Ctx{"panic": r})
		}
	}()

	action()
}
