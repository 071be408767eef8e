package models

import (
	"fmt"
	"sort"
	"strings"
)

// Channel is a broadcast topic a client can subscribe to.
type Channel string

const (
	ChannelTransactions Channel = "transactions"
	ChannelNetFlow      Channel = "netflow"
	ChannelAlerts       Channel = "alerts"
	ChannelAccuracy     Channel = "accuracy"
)

// KnownChannels lists every channel a client may subscribe to.
var KnownChannels = []Channel{ChannelTransactions, ChannelNetFlow, ChannelAlerts, ChannelAccuracy}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownChannels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ChannelSet is a set of subscribed channels.
type ChannelSet map[Channel]struct{}

// NewChannelSet builds a set from channels.
func NewChannelSet(channels ...Channel) ChannelSet {
	set := make(ChannelSet, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether c is in the set.
func (s ChannelSet) Has(c Channel) bool {
	_, ok := s[c]
	return ok
}

// List returns the channels in stable order.
func (s ChannelSet) List() []Channel {
	out := make([]Channel, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a copy of the set.
func (s ChannelSet) Clone() ChannelSet {
	out := make(ChannelSet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// ShortTxID shortens a txid for log lines.
func ShortTxID(txID string) string {
	if len(txID) <= 16 {
		return txID
	}
	return txID[:8] + "…" + txID[len(txID)-8:]
}
