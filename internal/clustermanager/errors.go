package clustermanager

import "fmt"

// TransportError is returned whenever the cluster manager answers with a
// status code of 400 or above, mirroring the engine's own
// "status_code >= 400 is an error" check.
type TransportError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("clustermanager: %s failed with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("clustermanager: %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}
