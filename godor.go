package godor

import (
	"context"

	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/repository"
	"github.com/xiaonanln/godor/engine/sched"
)

// Participant is a repository driven by the wall-clock scheduler
type Participant struct {
	*repository.Repository
	Sched *sched.TaskManager
	Bus   *messenger.Messenger
}

// RegisterClass registers the Go type implementing a DC symbol, such as
// "DistributedAvatar" or "DistributedAvatarAI"
func RegisterClass(symbol string, proto interface{}) {
	dc.RegisterClass(symbol, proto)
}

// NewParticipant loads the configured DC files and creates a participant
// with the [repository], [async] and [interest] settings of the config file.
// Call Connect and then Run.
func NewParticipant() (*Participant, error) {
	reg, err := dc.LoadConfigured()
	if err != nil {
		return nil, err
	}
	p := &Participant{
		Sched: sched.NewTaskManager(),
		Bus:   messenger.NewMessenger(),
	}
	p.Repository = repository.New(reg, repository.OptionsFromConfig(config.Get()), p.Sched, p.Bus)
	return p, nil
}

// Run ticks the participant until ctx is done, then disconnects
func (p *Participant) Run(ctx context.Context) {
	p.Sched.Run(ctx)
	p.Disconnect()
}
