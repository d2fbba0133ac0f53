package health

// Checker reports whether a dependency of the service is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

// StartupCompleteChecker fails until MarkComplete has been called, so that the service only reports
// healthy once all its components have been started.
type StartupCompleteChecker struct {
	complete chan struct{}
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{complete: make(chan struct{})}
}

func (c *StartupCompleteChecker) MarkComplete() {
	select {
	case <-c.complete:
	default:
		close(c.complete)
	}
}

func (c *StartupCompleteChecker) Check() error {
	select {
	case <-c.complete:
		return nil
	default:
		return errStartupIncomplete
	}
}
