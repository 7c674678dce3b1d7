// Package qmevents defines the queue-management event kinds from
// spec.md section 4.7 (worker-startup, persistent-startup,
// persistent-died, done), builds their wire representation for routing
// through the nucleus to a configured management queue, and provides a
// small broadcast Broker for in-process subscribers; the pool does not
// publish its transitions on a Broker.
package qmevents
