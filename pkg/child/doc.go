// Package child drives the external program a worker executes: either a
// one-shot fork+exec+wait per event, or a long-lived persistent app fed
// one framed event per request over its stdin and answering with exactly
// one framed event on stdout. It applies the queue descriptor's resource
// limits and assembles the child's argv from the queue's script,
// interpreter or binary kind.
package child
