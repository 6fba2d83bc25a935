package config

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
)

const (
	_DEFAULT_CONFIG_FILE   = "godor.ini"
	_DEFAULT_HTTP_IP       = "127.0.0.1"
	_DEFAULT_LOG_LEVEL     = "debug"
	_DEFAULT_STORAGE_DB    = "godor"
	_DEFAULT_LISTEN_ADDR   = "127.0.0.1:14003"
	_DEFAULT_CHANNEL_MIN   = 100000000
	_DEFAULT_CHANNEL_MAX   = 149999999
	_DEFAULT_DOID_MIN      = 100000000
	_DEFAULT_DOID_MAX      = 399999999
	_DEFAULT_DISTRICT_ID   = 0
	_DEFAULT_STATS_SECONDS = 60
	_DEFAULT_NATS_SUBJECT  = "dor.server"
)

// Participant roles
const (
	ParticipantClient = "client"
	ParticipantAI     = "ai"
	ParticipantUD     = "ud"
)

// Connect methods
const (
	ConnectHTTP    = "http"
	ConnectNSPR    = "nspr"
	ConnectDefault = "default"
	ConnectKCP     = "kcp"
	ConnectNATS    = "nats"
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	dorConfig      *DORConfig
	configLock     sync.Mutex
)

// RepositoryConfig defines fields of the [repository] section
type RepositoryConfig struct {
	Participant        string
	ConnectMethod      string
	ServerList         []string
	DCFiles            []string
	ChannelMin         uint32
	ChannelMax         uint32
	GameRoot           uint32
	DistrictID         uint32
	DBChannel          uint64
	RecvQueueSize      int
	CompressConnection bool
	MessageBundling    bool
	Verbose            bool
	ConnectTimeout     time.Duration
}

// AsyncConfig defines fields of the [async] section
type AsyncConfig struct {
	RequestTimeout        time.Duration
	RequestNumRetries     int
	RequestBreakOnTimeout bool
}

// InterestConfig defines fields of the [interest] section
type InterestConfig struct {
	Debug            bool
	QuiescenceFrames int
}

// CollisionConfig defines fields of the [collision] section
type CollisionConfig struct {
	WantFluidPusher bool
}

// DBServerConfig defines fields of the [dbserver] section
type DBServerConfig struct {
	ListenAddr    string
	KCPAddr       string
	HTTPIp        string
	HTTPPort      int
	LogFile       string
	LogStderr     bool
	LogLevel      string
	DoIDMin       uint32
	DoIDMax       uint32
	StatsInterval time.Duration
	NATSUrl       string // empty disables the nats listener
	NATSSubject   string
	WSPath        string // served on the http port when http_port is set
	Compress      bool
}

// LogConfig defines fields of the [log] section used by client-side processes
type LogConfig struct {
	LogFile   string
	LogStderr bool
	LogLevel  string
}

// StorageConfig defines fields of storage config
type StorageConfig struct {
	Type       string // Type of storage (filesystem, mongodb, redis, redis_cluster)
	Directory  string // Directory of filesystem storage (filesystem)
	Url        string // Connection URL (mongodb, redis)
	DB         string // Database name (mongodb, redis)
	StartNodes common.StringSet
}

// KVDBConfig defines fields of KVDB config
type KVDBConfig struct {
	Type       string
	Url        string // MongoDB
	DB         string // MongoDB
	Collection string // MongoDB
	StartNodes common.StringSet
}

// DORConfig defines the total config file structure
type DORConfig struct {
	Repository RepositoryConfig
	Async      AsyncConfig
	Interest   InterestConfig
	Collision  CollisionConfig
	DBServer   DBServerConfig
	Log        LogConfig
	Storage    StorageConfig
	KVDB       KVDBConfig
}

// SetConfigFile sets the config file path (godor.ini by default)
func SetConfigFile(f string) {
	configLock.Lock()
	configFilePath = f
	dorConfig = nil
	configLock.Unlock()
}

// GetConfigDir returns the directory of the config file
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total config
func Get() *DORConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if dorConfig == nil {
		dorConfig = readDORConfig(configFilePath)
	}
	return dorConfig
}

// Reload forces a re-read of the config file
func Reload() *DORConfig {
	configLock.Lock()
	dorConfig = nil
	configLock.Unlock()

	return Get()
}

// Parse reads a config from ini data without touching the loaded config
func Parse(data []byte) *DORConfig {
	return readDORConfig(data)
}

// GetRepository returns the repository config
func GetRepository() *RepositoryConfig {
	return &Get().Repository
}

// GetAsync returns the async request config
func GetAsync() *AsyncConfig {
	return &Get().Async
}

// GetInterest returns the interest manager config
func GetInterest() *InterestConfig {
	return &Get().Interest
}

// GetDBServer returns the db server config
func GetDBServer() *DBServerConfig {
	return &Get().DBServer
}

// GetStorage returns the storage config
func GetStorage() *StorageConfig {
	return &Get().Storage
}

// GetKVDB returns the KVDB config
func GetKVDB() *KVDBConfig {
	return &Get().KVDB
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

// keyName lowercases a key and treats '-' like '_'
func keyName(key *ini.Key) string {
	return strings.Replace(strings.ToLower(key.Name()), "-", "_", -1)
}

func splitList(s string) []string {
	var res []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			res = append(res, item)
		}
	}
	return res
}

func secondsOf(key *ini.Key, def time.Duration) time.Duration {
	return time.Duration(key.MustFloat64(def.Seconds()) * float64(time.Second))
}

// readDORConfig loads a config from a file path or raw []byte data
func readDORConfig(source interface{}) *DORConfig {
	config := DORConfig{}
	if p, ok := source.(string); ok {
		gwlog.Infof("Using config file: %s", p)
	}
	iniFile, err := ini.Load(source)
	checkConfigError(err, "")

	readRepositoryConfig(iniFile.Section("repository"), &config.Repository)
	readAsyncConfig(iniFile.Section("async"), &config.Async)
	readInterestConfig(iniFile.Section("interest"), &config.Interest)
	readCollisionConfig(iniFile.Section("collision"), &config.Collision)
	readDBServerConfig(iniFile.Section("dbserver"), &config.DBServer)
	readLogConfig(iniFile.Section("log"), &config.Log)
	readStorageConfig(iniFile.Section("storage"), &config.Storage)
	readKVDBConfig(iniFile.Section("kvdb"), &config.KVDB)

	for _, sec := range iniFile.Sections() {
		switch strings.ToLower(sec.Name()) {
		case "default", "repository", "async", "interest", "collision", "dbserver", "log", "storage", "kvdb":
		default:
			gwlog.Errorf("unknown section: %s", sec.Name())
		}
	}
	return &config
}

func readRepositoryConfig(sec *ini.Section, rc *RepositoryConfig) {
	rc.Participant = ParticipantClient
	rc.ConnectMethod = ConnectDefault
	rc.ChannelMin = _DEFAULT_CHANNEL_MIN
	rc.ChannelMax = _DEFAULT_CHANNEL_MAX
	rc.GameRoot = consts.DEFAULT_GAME_ROOT
	rc.DistrictID = _DEFAULT_DISTRICT_ID
	rc.DBChannel = consts.DEFAULT_DB_CHANNEL
	rc.RecvQueueSize = consts.CONNECTION_RECV_QUEUE_SIZE
	rc.ConnectTimeout = consts.CONNECT_TIMEOUT

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "participant" {
			rc.Participant = strings.ToLower(key.MustString(rc.Participant))
		} else if name == "connect_method" {
			rc.ConnectMethod = strings.ToLower(key.MustString(rc.ConnectMethod))
		} else if name == "server_list" {
			rc.ServerList = splitList(key.String())
		} else if name == "dc_files" {
			rc.DCFiles = splitList(key.String())
		} else if name == "channel_min" {
			rc.ChannelMin = uint32(key.MustUint64(uint64(rc.ChannelMin)))
		} else if name == "channel_max" {
			rc.ChannelMax = uint32(key.MustUint64(uint64(rc.ChannelMax)))
		} else if name == "game_root" {
			rc.GameRoot = uint32(key.MustUint64(uint64(rc.GameRoot)))
		} else if name == "district_id" {
			rc.DistrictID = uint32(key.MustUint64(uint64(rc.DistrictID)))
		} else if name == "db_channel" {
			rc.DBChannel = key.MustUint64(rc.DBChannel)
		} else if name == "recv_queue_size" {
			rc.RecvQueueSize = key.MustInt(rc.RecvQueueSize)
		} else if name == "compress_connection" {
			rc.CompressConnection = key.MustBool(rc.CompressConnection)
		} else if name == "message_bundling" {
			rc.MessageBundling = key.MustBool(rc.MessageBundling)
		} else if name == "verbose" {
			rc.Verbose = key.MustBool(rc.Verbose)
		} else if name == "connect_timeout" {
			rc.ConnectTimeout = secondsOf(key, rc.ConnectTimeout)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	switch rc.Participant {
	case ParticipantClient, ParticipantAI, ParticipantUD:
	default:
		gwlog.Panicf("invalid participant: %s", rc.Participant)
	}
	switch rc.ConnectMethod {
	case ConnectHTTP, ConnectNSPR, ConnectDefault, ConnectKCP, ConnectNATS:
	default:
		gwlog.Panicf("invalid connect_method: %s", rc.ConnectMethod)
	}
	if rc.ChannelMin > rc.ChannelMax {
		gwlog.Panicf("channel_min %d > channel_max %d", rc.ChannelMin, rc.ChannelMax)
	}
	if rc.RecvQueueSize <= 0 {
		gwlog.Panicf("recv_queue_size must be positive")
	}
}

func readAsyncConfig(sec *ini.Section, ac *AsyncConfig) {
	ac.RequestTimeout = consts.DEFAULT_ASYNC_REQUEST_TIMEOUT
	ac.RequestNumRetries = consts.DEFAULT_ASYNC_REQUEST_NUM_RETRIES

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "async_request_timeout" {
			ac.RequestTimeout = secondsOf(key, ac.RequestTimeout)
		} else if name == "async_request_num_retries" {
			ac.RequestNumRetries = key.MustInt(ac.RequestNumRetries)
		} else if name == "async_request_break_on_timeout" {
			ac.RequestBreakOnTimeout = key.MustBool(ac.RequestBreakOnTimeout)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readInterestConfig(sec *ini.Section, ic *InterestConfig) {
	ic.QuiescenceFrames = consts.DEFAULT_QUIESCENCE_FRAMES

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "interest_debug" {
			ic.Debug = key.MustBool(ic.Debug)
		} else if name == "quiescence_frames" {
			ic.QuiescenceFrames = key.MustInt(ic.QuiescenceFrames)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if ic.QuiescenceFrames < 1 {
		ic.QuiescenceFrames = 1
	}
}

func readCollisionConfig(sec *ini.Section, cc *CollisionConfig) {
	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "want_fluid_pusher" {
			cc.WantFluidPusher = key.MustBool(cc.WantFluidPusher)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readDBServerConfig(sec *ini.Section, dc *DBServerConfig) {
	dc.ListenAddr = _DEFAULT_LISTEN_ADDR
	dc.HTTPIp = _DEFAULT_HTTP_IP
	dc.HTTPPort = 0 // pprof not enabled by default
	dc.LogFile = "dordb.log"
	dc.LogStderr = true
	dc.LogLevel = _DEFAULT_LOG_LEVEL
	dc.DoIDMin = _DEFAULT_DOID_MIN
	dc.DoIDMax = _DEFAULT_DOID_MAX
	dc.StatsInterval = time.Second * _DEFAULT_STATS_SECONDS
	dc.NATSSubject = _DEFAULT_NATS_SUBJECT
	dc.WSPath = "/ws"

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "listen_addr" {
			dc.ListenAddr = key.MustString(dc.ListenAddr)
		} else if name == "kcp_addr" {
			dc.KCPAddr = key.MustString(dc.KCPAddr)
		} else if name == "http_ip" {
			dc.HTTPIp = key.MustString(dc.HTTPIp)
		} else if name == "http_port" {
			dc.HTTPPort = key.MustInt(dc.HTTPPort)
		} else if name == "log_file" {
			dc.LogFile = key.MustString(dc.LogFile)
		} else if name == "log_stderr" {
			dc.LogStderr = key.MustBool(dc.LogStderr)
		} else if name == "log_level" {
			dc.LogLevel = key.MustString(dc.LogLevel)
		} else if name == "doid_min" {
			dc.DoIDMin = uint32(key.MustUint64(uint64(dc.DoIDMin)))
		} else if name == "doid_max" {
			dc.DoIDMax = uint32(key.MustUint64(uint64(dc.DoIDMax)))
		} else if name == "stats_interval" {
			dc.StatsInterval = secondsOf(key, dc.StatsInterval)
		} else if name == "nats_url" {
			dc.NATSUrl = key.MustString(dc.NATSUrl)
		} else if name == "nats_subject" {
			dc.NATSSubject = key.MustString(dc.NATSSubject)
		} else if name == "ws_path" {
			dc.WSPath = key.MustString(dc.WSPath)
		} else if name == "compress_connection" {
			dc.Compress = key.MustBool(dc.Compress)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if dc.DoIDMin == 0 || dc.DoIDMin > dc.DoIDMax {
		gwlog.Panicf("invalid doid range [%d, %d]", dc.DoIDMin, dc.DoIDMax)
	}
}

func readLogConfig(sec *ini.Section, lc *LogConfig) {
	lc.LogStderr = true
	lc.LogLevel = _DEFAULT_LOG_LEVEL

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "log_file" {
			lc.LogFile = key.MustString(lc.LogFile)
		} else if name == "log_stderr" {
			lc.LogStderr = key.MustBool(lc.LogStderr)
		} else if name == "log_level" {
			lc.LogLevel = key.MustString(lc.LogLevel)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readStorageConfig(sec *ini.Section, config *StorageConfig) {
	// setup default values
	config.Type = "filesystem"
	config.Directory = "_object_storage"
	config.DB = _DEFAULT_STORAGE_DB
	config.Url = ""
	config.StartNodes = common.StringSet{}

	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "directory" {
			config.Directory = key.MustString(config.Directory)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else if strings.HasPrefix(name, "start_nodes_") {
			config.StartNodes.Add(key.MustString(""))
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.Type == "redis" {
		if config.DB == "" || config.DB == _DEFAULT_STORAGE_DB {
			config.DB = "0"
		}
	}

	validateStorageConfig(config)
}

func readKVDBConfig(sec *ini.Section, config *KVDBConfig) {
	config.StartNodes = common.StringSet{}
	for _, key := range sec.Keys() {
		name := keyName(key)
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else if name == "collection" {
			config.Collection = key.MustString(config.Collection)
		} else if strings.HasPrefix(name, "start_nodes_") {
			config.StartNodes.Add(key.MustString(""))
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.Type == "redis" {
		if config.DB == "" {
			config.DB = "0"
		}
	}

	validateKVDBConfig(config)
}

func validateKVDBConfig(config *KVDBConfig) {
	if config.Type == "" || config.Type == "memory" {
		// nothing to validate; memory keeps doIds for the process lifetime only
	} else if config.Type == "mongodb" {
		if config.Url == "" || config.DB == "" || config.Collection == "" {
			fmt.Fprintf(gwlog.GetOutput(), "%s\n", DumpPretty(config))
			gwlog.Panicf("invalid %s KVDB config above", config.Type)
		}
	} else if config.Type == "redis" {
		if config.Url == "" {
			fmt.Fprintf(gwlog.GetOutput(), "%s\n", DumpPretty(config))
			gwlog.Panicf("invalid %s KVDB config above", config.Type)
		}
		if _, err := strconv.Atoi(config.DB); err != nil {
			gwlog.Panic(errors.Wrap(err, "redis db must be integer"))
		}
	} else if config.Type == "redis_cluster" {
		validateStartNodes(config.StartNodes, "kvdb")
	} else {
		gwlog.Panicf("unknown kvdb type: %s", config.Type)
	}
}

func validateStorageConfig(config *StorageConfig) {
	if config.Type == "filesystem" {
		if config.Directory == "" {
			gwlog.Panicf("directory is not set in %s storage config", config.Type)
		}
	} else if config.Type == "mongodb" {
		if config.Url == "" {
			gwlog.Panicf("url is not set in %s storage config", config.Type)
		}
		if config.DB == "" {
			gwlog.Panicf("db is not set in %s storage config", config.Type)
		}
	} else if config.Type == "redis" {
		if config.Url == "" {
			gwlog.Panicf("redis host is not set")
		}
		if _, err := strconv.Atoi(config.DB); err != nil {
			gwlog.Panic(errors.Wrap(err, "redis db must be integer"))
		}
	} else if config.Type == "redis_cluster" {
		validateStartNodes(config.StartNodes, "storage")
	} else {
		gwlog.Panicf("unknown storage type: %s", config.Type)
	}
}

func validateStartNodes(nodes common.StringSet, section string) {
	if len(nodes) == 0 {
		gwlog.Panicf("must have at least 1 start_nodes for [%s].redis_cluster", section)
	}
	for s := range nodes {
		if s == "" {
			gwlog.Panicf("start_nodes must not be empty")
		}
	}
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gwlog.Panicf("read config error: %s", msg)
	}
}
