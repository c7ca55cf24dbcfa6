package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ConsoleError is one console entry classified as an error, in arrival
// order.
type ConsoleError struct {
	Text string
	When time.Time
}

func (e ConsoleError) String() string {
	return fmt.Sprintf("[%s] %s", e.When.Format(time.TimeOnly), e.Text)
}

// Diagnostics is a passive observer of a page's console. It records entries
// of type "error" into an ordered list and never fails anything itself; on
// test failure the suite attaches the collected list as context so it
// surfaces in reports.
type Diagnostics struct {
	mu       sync.Mutex
	errors   []ConsoleError
	detached bool
}

// AttachDiagnostics registers a console listener on page and returns the
// collector handle.
//
// Playwright listener deregistration is tied to the page lifetime, so Detach
// works by muting the handler rather than removing it; the effect is the
// same and Detach stays idempotent.
func AttachDiagnostics(page playwright.Page) *Diagnostics {
	d := &Diagnostics{}

	page.OnConsole(func(msg playwright.ConsoleMessage) {
		if msg.Type() != "error" {
			return
		}

		entry := ConsoleError{Text: msg.Text(), When: time.Now()}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.detached {
			return
		}
		d.errors = append(d.errors, entry)
	})

	return d
}

// Detach stops recording. Safe to call more than once.
func (d *Diagnostics) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detached = true
}

// Errors returns a copy of the collected console errors in arrival order.
func (d *Diagnostics) Errors() []ConsoleError {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConsoleError, len(d.errors))
	copy(out, d.errors)
	return out
}

// CaptureDuring attaches a fresh collector, runs action, detaches, and
// returns whatever errors the console produced while action ran. Use it to
// assert the absence of errors during one interaction instead of over the
// whole session lifetime.
func CaptureDuring(page playwright.Page, action func() error) ([]ConsoleError, error) {
	d := AttachDiagnostics(page)
	defer d.Detach()

	if err := action(); err != nil {
		return d.Errors(), err
	}
	return d.Errors(), nil
}
