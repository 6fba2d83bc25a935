package proto

import (
	"fmt"
)

// MsgType is the type of message types
type MsgType uint16

// Messages between clients and the server
const (
	// MT_INVALID is the invalid message type
	MT_INVALID MsgType = iota
	// MT_CLIENT_HELLO is sent by clients first: u32 dcHash, string version
	MT_CLIENT_HELLO
	// MT_CLIENT_HELLO_RESP accepts the hello
	MT_CLIENT_HELLO_RESP
	// MT_CLIENT_GO_GET_LOST tells a client to disconnect: u16 code, string reason
	MT_CLIENT_GO_GET_LOST
	// MT_CLIENT_ADD_INTEREST opens or alters an interest
	MT_CLIENT_ADD_INTEREST
	// MT_CLIENT_REMOVE_INTEREST closes an interest
	MT_CLIENT_REMOVE_INTEREST
	// MT_CLIENT_DONE_INTEREST_RESP reports an interest change is complete
	MT_CLIENT_DONE_INTEREST_RESP
	// MT_CLIENT_OBJECT_GENERATE_REQUIRED generates an object with required fields
	MT_CLIENT_OBJECT_GENERATE_REQUIRED
	// MT_CLIENT_OBJECT_GENERATE_REQUIRED_OTHER generates an object with required and other fields
	MT_CLIENT_OBJECT_GENERATE_REQUIRED_OTHER
	// MT_CLIENT_OBJECT_GENERATE_OWNER generates the owner view of an object
	MT_CLIENT_OBJECT_GENERATE_OWNER
	// MT_CLIENT_OBJECT_UPDATE_FIELD updates one field
	MT_CLIENT_OBJECT_UPDATE_FIELD
	// MT_CLIENT_OBJECT_LOCATION moves an object
	MT_CLIENT_OBJECT_LOCATION
	// MT_CLIENT_OBJECT_DISABLE disables an object
	MT_CLIENT_OBJECT_DISABLE
	// MT_CLIENT_OBJECT_DELETE deletes an object
	MT_CLIENT_OBJECT_DELETE
	// MT_CLIENT_MSG_TYPE_STOP ends the client range
	MT_CLIENT_MSG_TYPE_STOP = 999
)

// Messages between AI / UD participants and the state server
const (
	// MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED creates an object from a server participant
	MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED MsgType = 2001 + iota
	// MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER creates an object with other fields
	MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER
	// MT_STATESERVER_OBJECT_SET_FIELD updates one field
	MT_STATESERVER_OBJECT_SET_FIELD
	// MT_STATESERVER_OBJECT_DELETE_RAM deletes an object from memory
	MT_STATESERVER_OBJECT_DELETE_RAM
	// MT_STATESERVER_OBJECT_LOCATION moves an object
	MT_STATESERVER_OBJECT_LOCATION
)

// Messages between server participants and the database server
const (
	// MT_DB_CREATE_OBJECT asks the database to create an object
	MT_DB_CREATE_OBJECT MsgType = 3001 + iota
	// MT_DB_GENERATE_RESPONSE returns the doId of a created object
	MT_DB_GENERATE_RESPONSE
	// MT_OBJECT_QUERY_ALL asks for every stored field of an object
	MT_OBJECT_QUERY_ALL
	// MT_OBJECT_QUERY_ALL_RESP answers MT_OBJECT_QUERY_ALL
	MT_OBJECT_QUERY_ALL_RESP
	// MT_OBJECT_QUERY_FIELDS asks for some fields of an object
	MT_OBJECT_QUERY_FIELDS
	// MT_OBJECT_QUERY_FIELD_RESP answers MT_OBJECT_QUERY_FIELDS
	MT_OBJECT_QUERY_FIELD_RESP
	// MT_OBJECT_SET_FIELDS stores fields of an object
	MT_OBJECT_SET_FIELDS
)

const (
	// MT_BUNDLE carries several datagrams: u16 count, blob*
	MT_BUNDLE MsgType = 9001
)

// Version is the participant version exchanged in CLIENT_HELLO
const Version = "godor-1.0"

// GO_GET_LOST codes
const (
	// GET_LOST_DC_HASH_MISMATCH is sent when the client dc hash differs from the server
	GET_LOST_DC_HASH_MISMATCH = 125
	// GET_LOST_BAD_VERSION is sent when the client version is refused
	GET_LOST_BAD_VERSION = 124
)

// Interest handles with this bit set belong to the server. On outbound
// removes the same bit asks the server to close an AI-opened interest.
const InterestHandleServerBit = 0x8000

var msgTypeNames = map[MsgType]string{
	MT_CLIENT_HELLO:                                    "CLIENT_HELLO",
	MT_CLIENT_HELLO_RESP:                               "CLIENT_HELLO_RESP",
	MT_CLIENT_GO_GET_LOST:                              "CLIENT_GO_GET_LOST",
	MT_CLIENT_ADD_INTEREST:                             "CLIENT_ADD_INTEREST",
	MT_CLIENT_REMOVE_INTEREST:                          "CLIENT_REMOVE_INTEREST",
	MT_CLIENT_DONE_INTEREST_RESP:                       "CLIENT_DONE_INTEREST_RESP",
	MT_CLIENT_OBJECT_GENERATE_REQUIRED:                 "CLIENT_OBJECT_GENERATE_REQUIRED",
	MT_CLIENT_OBJECT_GENERATE_REQUIRED_OTHER:           "CLIENT_OBJECT_GENERATE_REQUIRED_OTHER",
	MT_CLIENT_OBJECT_GENERATE_OWNER:                    "CLIENT_OBJECT_GENERATE_OWNER",
	MT_CLIENT_OBJECT_UPDATE_FIELD:                      "CLIENT_OBJECT_UPDATE_FIELD",
	MT_CLIENT_OBJECT_LOCATION:                          "CLIENT_OBJECT_LOCATION",
	MT_CLIENT_OBJECT_DISABLE:                           "CLIENT_OBJECT_DISABLE",
	MT_CLIENT_OBJECT_DELETE:                            "CLIENT_OBJECT_DELETE",
	MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED:       "STATESERVER_OBJECT_GENERATE_WITH_REQUIRED",
	MT_STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER: "STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER",
	MT_STATESERVER_OBJECT_SET_FIELD:                    "STATESERVER_OBJECT_SET_FIELD",
	MT_STATESERVER_OBJECT_DELETE_RAM:                   "STATESERVER_OBJECT_DELETE_RAM",
	MT_STATESERVER_OBJECT_LOCATION:                     "STATESERVER_OBJECT_LOCATION",
	MT_DB_CREATE_OBJECT:                                "DB_CREATE_OBJECT",
	MT_DB_GENERATE_RESPONSE:                            "DB_GENERATE_RESPONSE",
	MT_OBJECT_QUERY_ALL:                                "OBJECT_QUERY_ALL",
	MT_OBJECT_QUERY_ALL_RESP:                           "OBJECT_QUERY_ALL_RESP",
	MT_OBJECT_QUERY_FIELDS:                             "OBJECT_QUERY_FIELDS",
	MT_OBJECT_QUERY_FIELD_RESP:                         "OBJECT_QUERY_FIELD_RESP",
	MT_OBJECT_SET_FIELDS:                               "OBJECT_SET_FIELDS",
	MT_BUNDLE:                                          "BUNDLE",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// HasDoID returns whether the payload of t starts with (or contains at a fixed
// place) a doId, for describe-message logging
func (t MsgType) HasDoID() bool {
	switch t {
	case MT_CLIENT_OBJECT_UPDATE_FIELD, MT_CLIENT_OBJECT_LOCATION, MT_CLIENT_OBJECT_DISABLE,
		MT_CLIENT_OBJECT_DELETE, MT_STATESERVER_OBJECT_SET_FIELD, MT_STATESERVER_OBJECT_DELETE_RAM,
		MT_STATESERVER_OBJECT_LOCATION, MT_OBJECT_SET_FIELDS:
		return true
	}
	return false
}
