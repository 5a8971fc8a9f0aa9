// Package host manages child process hosts.
//
// A ProcessHost owns one child: its launcher process, its channel, its
// endpoint table and its shared buffer cache. The Registry owns every live
// host and decides when a host can be reused for new content. All of it is
// driven from the control loop and none of it is safe for concurrent use.
package host
