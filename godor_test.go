package godor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	_ "github.com/xiaonanln/godor/examples/toon"
)

func TestNewParticipant(t *testing.T) {
	ini := filepath.Join(t.TempDir(), "godor.ini")
	err := os.WriteFile(ini, []byte("[repository]\nparticipant = ai\ndc_files = dc/toon.dc.ini\nchannel_min = 200000000\nchannel_max = 200000999\n"), 0644)
	assert.Equal(t, nil, err)
	config.SetConfigFile(ini)
	config.Reload()
	defer func() {
		config.SetConfigFile("godor.ini")
	}()

	p, err := NewParticipant()
	assert.Equal(t, nil, err)
	assert.Equal(t, dc.RoleAI, p.Role())
	assert.T(t, p.IsServer(), "ai participants are servers")
	assert.T(t, !p.HandshakeDone(), "not connected yet")

	cls, err := p.Registry.ClassByName("DistributedAvatar")
	assert.Equal(t, nil, err)
	assert.Equal(t, "DistributedAvatarAI", cls.Symbol)
}

type godorTestThing struct {
	dobj.DistributedObject
}

func TestRegisterClass(t *testing.T) {
	RegisterClass("GodorTestThingAI", &godorTestThing{})
	ct := dc.GetClassType("GodorTestThingAI")
	assert.T(t, ct != nil, "registered")
	assert.Equal(t, "godorTestThing", ct.Type.Name())
}
