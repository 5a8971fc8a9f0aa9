// Package ipc defines the message envelope exchanged between the host and its
// child processes, the control-plane message catalogue, and the wire codec.
//
// # Envelope
//
// Every message carries a routing id. The reserved RoutingControl id marks
// control-plane traffic handled by the ProcessHost itself; any other id
// addresses an endpoint registered in the host's routing table.
//
// Synchronous messages expect exactly one reply carrying the same Tag.
//
// # Wire Format
//
// Frames are a uvarint length followed by a protobuf-wire record:
//
//	1: routing_id  sint32
//	2: type        uint32
//	3: flags       uint32   (sync, reply, reply_error, compressed)
//	4: tag         uint32
//	5: payload     bytes
//
// Payloads larger than CompressThreshold are zstd-compressed. Control-plane
// payloads are JSON documents encoded with sonic.
package ipc
