package browser

import "fmt"

// ConnectionError reports that the remote browser for an anchor session could
// not be reached or rejected the session.
type ConnectionError struct {
	AnchorSessionID string
	Stage           string
	Err             error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("connect to anchor session %s (%s): %v", e.AnchorSessionID, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NavigationError reports a failed page load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
