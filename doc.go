/*
Package godor is the runtime of a distributed object system: shared objects
described by DC files are replicated from servers to clients, which declare
interest in (parent, zone) locations to receive them.

# Participants

A deployment has three kinds of participants. Clients connect without a
server header and only see the objects of the zones they have interest in.
AI and UD participants are servers: every datagram they send carries a
channel header, and they may create, update and delete objects. dordb is the
database server that AI and UD participants create and query persistent
objects through.

Every participant loads the same DC files. The hash of the files is checked
during the hello handshake.

# Package godor

This package is the entry point for programs embedding a participant. Most
programs register their class implementations with RegisterClass, then build
a participant from the config file with NewParticipant and Run it.
*/
package godor
