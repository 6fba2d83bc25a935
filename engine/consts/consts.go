package consts

import "time"

// Tunable Options
const (
	// For Connections
	// BUFFERED_READ_BUFFSIZE is the read buffer size for buffered transport connections
	BUFFERED_READ_BUFFSIZE = 16384
	// BUFFERED_WRITE_BUFFSIZE is the write buffer size for buffered transport connections
	BUFFERED_WRITE_BUFFSIZE = 16384
	// CONNECTION_RECV_QUEUE_SIZE is the default bound of the inbound datagram queue
	CONNECTION_RECV_QUEUE_SIZE = 4096
	// READER_MAX_DATAGRAMS_PER_TICK is the maximum datagrams handled by one reader poll
	READER_MAX_DATAGRAMS_PER_TICK = 1024
	// CONNECT_TIMEOUT is the default dial timeout for each server in the server list
	CONNECT_TIMEOUT = time.Second * 10
	// MAX_DATAGRAM_SIZE is the largest datagram accepted by the codec (u16 length prefixes inside)
	MAX_DATAGRAM_SIZE = 1024 * 1024

	// For Main Tick
	// TICK_INTERVAL is the frame interval of the task manager
	TICK_INTERVAL = time.Millisecond * 10
	// ASYNC_JOB_QUEUE_MAXLEN is the max length of each background job group queue
	ASYNC_JOB_QUEUE_MAXLEN = 10000

	// For Interests
	// DEFAULT_QUIESCENCE_FRAMES is the number of frames to wait before firing "all interests complete"
	DEFAULT_QUIESCENCE_FRAMES = 5

	// For Async Requests
	// DEFAULT_ASYNC_REQUEST_TIMEOUT is the default time an async request waits for responses
	DEFAULT_ASYNC_REQUEST_TIMEOUT = time.Millisecond * 8000
	// DEFAULT_ASYNC_REQUEST_NUM_RETRIES is the default number of extra timeout windows
	DEFAULT_ASYNC_REQUEST_NUM_RETRIES = 0

	// For DB Server
	// DBSERVER_PACKET_QUEUE_SIZE is the max inbound queue of the db server main loop
	DBSERVER_PACKET_QUEUE_SIZE = 10000
	// DBSERVER_DOID_RESERVE is how many doIds the db server reserves in kvdb per round trip
	DBSERVER_DOID_RESERVE = 1000

	// For Operation Monitor
	// OPMON_DUMP_INTERVAL is the interval to print opmon infos to output
	OPMON_DUMP_INTERVAL = 0
)

// Zone and id constants
const (
	// QUIET_ZONE is the transient zone used while moving between real zones
	QUIET_ZONE = 1
	// UBER_ZONE is the zone holding process-wide objects under the district
	UBER_ZONE = 2
	// DEFAULT_DB_CHANNEL is the channel of the database server
	DEFAULT_DB_CHANNEL = 4003
	// DEFAULT_GAME_ROOT is the default process-wide game root doId
	DEFAULT_GAME_ROOT = 4618
)

// Debug Options
const (
	// DEBUG_DATAGRAMS prints datagram send/recv debug logs
	DEBUG_DATAGRAMS = false
	// DEBUG_GENERATES prints object generate/disable/delete debug logs
	DEBUG_GENERATES = false
	// DEBUG_SAVE_LOAD prints db server save & load debug logs
	DEBUG_SAVE_LOAD = false
	// DEBUG_BARRIERS prints barrier debug logs
	DEBUG_BARRIERS = false
)

// System level configurations
const (
	// DEBUG_MODE = true turns programmer errors into panics
	DEBUG_MODE = false
)
