// Package interaction dispatches user prompts over the event transport.
//
// Workflow workers call the blocking Confirm/Alert/License methods; the
// connection-provided PromptFunc turns each call into an outgoing
// "interact" event and the page's interactionCallback resolves it. Abort
// wakes any blocked worker with ResultAborted and latches a sticky flag
// that handlers acknowledge with AbortHandled.
package interaction

import (
	"sync"
)

// Result is the integer outcome of a prompt, as sent by the page.
type Result int

const (
	ResultUndefined Result = 0
	ResultOK        Result = 1
	ResultCancel    Result = 2
	ResultAborted   Result = -1
)

// Prompt kinds carried in the interact event.
const (
	KindConfirm           = "confirm"
	KindAlert             = "alert"
	KindConfirmLicense    = "confirmLicense"
	KindConfirmLicenseURL = "confirmLicenseURL"
)

// PromptFunc delivers a prompt to the page. Implementations must call
// reply exactly once when the page answers; duplicate replies are
// swallowed here.
type PromptFunc func(kind, title, body string, reply func(Result))

// UserInteraction serializes prompts for one connection.
type UserInteraction struct {
	mu      sync.Mutex
	prompt  PromptFunc
	aborted bool
	pending chan Result
}

// New creates a UserInteraction bound to the given prompt dispatcher.
func New(prompt PromptFunc) *UserInteraction {
	return &UserInteraction{prompt: prompt}
}

// Confirm asks a yes/no question and blocks until answered or aborted.
func (u *UserInteraction) Confirm(title, body string) Result {
	return u.ask(KindConfirm, title, body)
}

// Alert shows a message and blocks until acknowledged or aborted.
func (u *UserInteraction) Alert(title, body string) Result {
	return u.ask(KindAlert, title, body)
}

// ConfirmLicense asks for license-text acceptance.
func (u *UserInteraction) ConfirmLicense(title, text string) Result {
	return u.ask(KindConfirmLicense, title, text)
}

// ConfirmLicenseURL asks for acceptance of a license at a URL.
func (u *UserInteraction) ConfirmLicenseURL(title, url string) Result {
	return u.ask(KindConfirmLicenseURL, title, url)
}

func (u *UserInteraction) ask(kind, title, body string) Result {
	u.mu.Lock()
	if u.aborted {
		u.mu.Unlock()
		return ResultAborted
	}
	ch := make(chan Result, 1)
	u.pending = ch
	prompt := u.prompt
	u.mu.Unlock()

	if prompt == nil {
		return ResultAborted
	}

	var once sync.Once
	prompt(kind, title, body, func(r Result) {
		once.Do(func() { ch <- r })
	})

	r := <-ch

	u.mu.Lock()
	if u.pending == ch {
		u.pending = nil
	}
	u.mu.Unlock()
	return r
}

// Abort wakes any blocked prompt with ResultAborted and latches the
// sticky aborted flag. Idempotent.
func (u *UserInteraction) Abort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.aborted {
		return
	}
	u.aborted = true
	if u.pending != nil {
		select {
		case u.pending <- ResultAborted:
		default:
		}
		u.pending = nil
	}
}

// Aborted reports whether an abort happened and was not yet acknowledged.
func (u *UserInteraction) Aborted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.aborted
}

// AbortHandled acknowledges the abort, clearing the sticky flag.
func (u *UserInteraction) AbortHandled() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.aborted = false
}
