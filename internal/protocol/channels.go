package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rosslyle/beacon/internal/domain"
)

// ChannelName is a subscribable event channel on the wire.
type ChannelName string

const (
	ChannelDealUpdated       ChannelName = "deal.updated"
	ChannelGoalStatusChanged ChannelName = "goal.status.changed"
	ChannelNotificationDeal  ChannelName = "notification.deal"
)

func (c ChannelName) String() string { return string(c) }

// channelSchemas fixes the allowed filter parameter keys per channel. Every
// key is optional; a subscription without filters matches all events on the
// channel. Unknown channels and unknown keys are rejected at subscribe time
// rather than passed through as opaque maps.
var channelSchemas = map[ChannelName]map[string]bool{
	ChannelDealUpdated:       {"deal_id": true},
	ChannelGoalStatusChanged: {"goal_id": true},
	ChannelNotificationDeal:  {},
}

// eventChannels maps an event type to the wire channel it is published on.
var eventChannels = map[domain.EventType]ChannelName{
	domain.EventDealUpdated:       ChannelDealUpdated,
	domain.EventPriceDrop:         ChannelDealUpdated,
	domain.EventDealExpiring:      ChannelDealUpdated,
	domain.EventGoalAchieved:      ChannelGoalStatusChanged,
	domain.EventGoalStatusChanged: ChannelGoalStatusChanged,
	domain.EventDigest:            ChannelNotificationDeal,
	domain.EventMarketing:         ChannelNotificationDeal,
}

// ChannelForEvent returns the wire channel an event type fans out on.
func ChannelForEvent(t domain.EventType) (ChannelName, bool) {
	ch, ok := eventChannels[t]
	return ch, ok
}

// KnownChannel reports whether name is a subscribable channel.
func KnownChannel(name string) bool {
	_, ok := channelSchemas[ChannelName(name)]
	return ok
}

// ValidateParams checks a subscription parameter set against the channel's
// schema. Returns ErrValidation-wrapped errors naming the offending key.
func ValidateParams(name string, params map[string]string) error {
	schema, ok := channelSchemas[ChannelName(name)]
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, name)
	}
	for key, value := range params {
		if !schema[key] {
			return fmt.Errorf("%w: channel %q does not accept parameter %q", domain.ErrValidation, name, key)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: parameter %q must not be empty", domain.ErrValidation, key)
		}
	}
	return nil
}

// ParamsKey renders a parameter set as a stable string for use in the
// subscription tuple key. Keys are sorted so equal sets render identically.
func ParamsKey(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
