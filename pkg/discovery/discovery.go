// Package discovery abstracts how the join coordinator's seed-server list
// is provided: a static list, DNS, a reloadable file, or a gossip ring.
// Discovery only ever suggests addresses worth sending join_node to; the
// controller log alone decides who is a member.
package discovery

// Discovery yields candidate seed-server management addresses.
type Discovery interface {
    Seeds() []string
}

