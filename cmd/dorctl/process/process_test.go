package process

import (
	"os"
	"testing"

	"github.com/bmizerany/assert"
)

func TestProcessesIncludesSelf(t *testing.T) {
	ps, err := Processes()
	assert.Equal(t, nil, err)

	self := int32(os.Getpid())
	found := false
	for _, p := range ps {
		if p.Pid() == self {
			found = true
			assert.T(t, len(p.Cmdline()) > 0, "own command line")
		}
	}
	assert.T(t, found, "own process listed")
	assert.T(t, IsRunning(self), "own process running")
}
