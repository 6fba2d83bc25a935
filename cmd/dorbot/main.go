// dorbot is a headless participant for smoke testing a godor deployment.
//
// It connects with the [repository] settings of the config file, completes
// the handshake and opens an interest in -parent / -zones, logging every
// object generated into it. With -db (AI and UD participants only) it also
// creates an Account and an avatar through the database server and reads
// them back.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor"
	"github.com/xiaonanln/godor/engine/asyncreq"
	"github.com/xiaonanln/godor/engine/binutil"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/dobj"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/interest"
	"github.com/xiaonanln/godor/engine/messenger"
	"github.com/xiaonanln/godor/engine/repository"
	_ "github.com/xiaonanln/godor/examples/toon"
)

const interestDoneEvent = "dorbot-interest-done"

var args struct {
	configFile string
	logLevel   string
	parent     uint
	zones      string
	name       string
	db         bool
	duration   time.Duration
}

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.UintVar(&args.parent, "parent", 0, "interest parent, defaults to game_root")
	flag.StringVar(&args.zones, "zones", "", "comma separated zones to open interest in")
	flag.StringVar(&args.name, "name", "dorbot", "account and avatar name used with -db")
	flag.BoolVar(&args.db, "db", false, "create and query objects through the database server")
	flag.DurationVar(&args.duration, "duration", 0, "quit after this long, 0 runs until interrupted")
	flag.Parse()
}

func parseZones(s string) ([]common.ZoneID, error) {
	var zones []common.ZoneID
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		z, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "zone %q", part)
		}
		zones = append(zones, common.ZoneID(z))
	}
	return zones, nil
}

type bot struct {
	repo   *repository.Repository
	bus    *messenger.Messenger
	parent common.DoID
	zones  []common.ZoneID
	quit   context.CancelFunc
}

func main() {
	parseArgs()
	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}
	cfg := config.Get()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = cfg.Log.LogLevel
	}
	binutil.SetupGWLog("dorbot", logLevel, cfg.Log.LogFile, cfg.Log.LogStderr)

	zones, err := parseZones(args.zones)
	if err != nil {
		gwlog.Fatalf("bad -zones: %v", err)
	}
	p, err := godor.NewParticipant()
	if err != nil {
		gwlog.Fatalf("create participant: %v", err)
	}
	if args.db && p.Role() == dc.RoleClient {
		gwlog.Fatalf("-db needs participant = ai or ud, the database server only talks to servers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if args.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, args.duration)
		defer cancel()
	}
	setupSignals(cancel)

	b := &bot{
		repo:   p.Repository,
		bus:    p.Bus,
		parent: common.DoID(args.parent),
		zones:  zones,
		quit:   cancel,
	}
	if b.parent == 0 {
		b.parent = common.DoID(cfg.Repository.GameRoot)
	}
	b.repo.OnConnected = b.onConnected
	b.repo.OnConnectFailure = func(code int, reason string, err error) {
		gwlog.Errorf("%s: connect failed (%d): %s: %v", b.repo, code, reason, err)
		b.quit()
	}
	b.repo.OnLostConnection = func(err error) {
		gwlog.Errorf("%s: lost connection: %v", b.repo, err)
		b.quit()
	}
	b.repo.Connect()

	p.Run(ctx)
	gwlog.Infof("dorbot quit with %d objects generated", b.repo.Objects.Objects.Len())
}

func (b *bot) onConnected() {
	gwlog.Infof("%s: connected as %s", b.repo, b.repo.Role())
	if len(b.zones) > 0 {
		b.openInterest()
	}
	if args.db {
		b.createAccount(args.name)
	}
}

func (b *bot) openInterest() {
	b.bus.AcceptOnce(interestDoneEvent, b, func(...interface{}) {
		objs := b.repo.Objects.Objects.ObjectsInZones(b.parent, b.zones)
		gwlog.Infof("interest in %d %v complete: %d objects", b.parent, b.zones, len(objs))
		for _, obj := range objs {
			gwlog.Infof("    %s at %v", obj, obj.Location())
		}
	})
	handle, err := b.repo.Interests.AddInterest(b.parent, b.zones, "dorbot", interestDoneEvent)
	if err != nil {
		if errors.Cause(err) == interest.ErrNoNewInterests {
			gwlog.Warnf("interests are closed on this connection")
			return
		}
		gwlog.Errorf("add interest: %v", err)
		return
	}
	gwlog.Infof("opened interest %d in %d %v", handle, b.parent, b.zones)
}

// createAccount creates an Account owning a new avatar, then reads both back
func (b *bot) createAccount(name string) {
	req := b.repo.Async.New()
	req.Then(func(req *asyncreq.AsyncRequest) {
		v, _ := req.Value("account")
		accountID := v.(common.DoID)
		v, _ = req.Value("avatar")
		avatar := v.(*dobj.DistributedObject)
		gwlog.Infof("created account %d with avatar %s", accountID, avatar)

		err := b.repo.Async.SetObjectFields("Account", accountID, map[string]interface{}{
			"setAvatars":   []uint32{uint32(avatar.DoID)},
			"setLastLogin": uint32(time.Now().Unix()),
		})
		if err != nil {
			gwlog.Errorf("update account %d: %v", accountID, err)
			return
		}
		b.queryBack(accountID, avatar.DoID)
	})

	if err := req.CreateObjectID("account", "Account", map[string]interface{}{"setAccountName": name}); err != nil {
		gwlog.Errorf("create account: %v", err)
		return
	}
	err := req.CreateObject("avatar", "DistributedAvatar", map[string]interface{}{
		"setName":  name,
		"setHp":    int16(15),
		"setMaxHp": int16(15),
	})
	if err != nil {
		gwlog.Errorf("create avatar: %v", err)
	}
}

func (b *bot) queryBack(accountID, avatarID common.DoID) {
	req := b.repo.Async.New()
	req.Then(func(req *asyncreq.AsyncRequest) {
		v, _ := req.Value("account")
		gwlog.Infof("account %d: %v", accountID, v)
		v, _ = req.Value("avatar")
		gwlog.Infof("stored avatar: %v", v)
	})
	if err := req.AskForObjectFields("Account", []string{"setAccountName", "setAvatars", "setLastLogin"}, accountID, "account"); err != nil {
		gwlog.Errorf("query account %d: %v", accountID, err)
	}
	if err := req.AskForObjectFields("DistributedAvatar", []string{"setName", "setHp", "setMoney"}, avatarID, "avatar"); err != nil {
		gwlog.Errorf("query avatar %d: %v", avatarID, err)
	}
}

func setupSignals(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		gwlog.Infof("%s received, quitting ...", sig)
		cancel()
	}()
}
