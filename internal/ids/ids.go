package ids

import "github.com/segmentio/ksuid"

// New returns a time-ordered unique identifier for rows and sessions.
func New() string {
	return ksuid.New().String()
}
