package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/gwlog"
)

func init() {
	SetConfigFile("../../godor.ini.sample")
}

func TestLoad(t *testing.T) {
	config := Get()
	if config == nil {
		t.FailNow()
	}
	gwlog.Debugf("godor config: \n%s", DumpPretty(config))
	assert.Equal(t, ParticipantClient, config.Repository.Participant)
	assert.Equal(t, ConnectDefault, config.Repository.ConnectMethod)
	assert.Equal(t, []string{"tcp://127.0.0.1:14003"}, config.Repository.ServerList)
	assert.Equal(t, uint32(4618), config.Repository.GameRoot)
	assert.T(t, config.Repository.MessageBundling, "bundling enabled")
}

func TestReload(t *testing.T) {
	Get()
	config := Reload()
	assert.T(t, config != nil, "reload returns config")
}

func TestDashAndUnderscoreKeys(t *testing.T) {
	cfg := Get()
	assert.Equal(t, 8*time.Second, cfg.Async.RequestTimeout)
	assert.Equal(t, 0, cfg.Async.RequestNumRetries)
	assert.Equal(t, 5, cfg.Interest.QuiescenceFrames)

	cfg = Parse([]byte("[async]\nasync_request_timeout = 2.5\nASYNC-REQUEST-NUM-RETRIES = 3\n"))
	assert.Equal(t, 2500*time.Millisecond, cfg.Async.RequestTimeout)
	assert.Equal(t, 3, cfg.Async.RequestNumRetries)
}

func TestDefaults(t *testing.T) {
	cfg := Parse([]byte(""))
	assert.Equal(t, ParticipantClient, cfg.Repository.Participant)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
	assert.Equal(t, "", cfg.KVDB.Type)
	assert.Equal(t, 5, cfg.Interest.QuiescenceFrames)
	assert.T(t, !cfg.Collision.WantFluidPusher, "fluid pusher off by default")
}

func TestUnknownKeyPanics(t *testing.T) {
	defer func() {
		assert.T(t, recover() != nil, "unknown key should panic")
	}()
	Parse([]byte("[interest]\nno_such_key = 1\n"))
}

func TestInvalidParticipantPanics(t *testing.T) {
	defer func() {
		assert.T(t, recover() != nil, "invalid participant should panic")
	}()
	Parse([]byte("[repository]\nparticipant = observer\n"))
}

func TestGetStorage(t *testing.T) {
	cfg := GetStorage()
	if cfg == nil {
		t.Errorf("storage config not found")
	}
	fmt.Fprintf(os.Stderr, "%s\n", DumpPretty(cfg))
}

func TestGetKVDB(t *testing.T) {
	cfg := GetKVDB()
	assert.T(t, cfg != nil, "kvdb config is nil")
	assert.Equal(t, "memory", cfg.Type)
}

func TestParseRejectsUnknownKVDB(t *testing.T) {
	defer func() {
		assert.T(t, recover() != nil, "unknown kvdb type panics")
	}()
	Parse([]byte("[kvdb]\ntype = leveldb\n"))
}

func TestGetDBServer(t *testing.T) {
	cfg := GetDBServer()
	assert.Equal(t, "127.0.0.1:14003", cfg.ListenAddr)
	assert.Equal(t, time.Minute, cfg.StatsInterval)
	assert.Equal(t, "dor.server", cfg.NATSSubject)
	assert.Equal(t, "", cfg.NATSUrl)
	assert.Equal(t, "/ws", cfg.WSPath)
}
