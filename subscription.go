package vox

import "strings"

// A Subscription is one per-peer category of media or messages that can be
// enabled or disabled independently of channel membership.
type Subscription uint32

// The subscription categories.
const (
	SubUserMessages Subscription = iota
	SubChannelMessages
	SubBroadcastMessages
	SubVoice
	SubVideo
	SubDesktop
	SubMediaFile

	subscriptionCount
)

var subscriptionNames = [...]string{
	"usermsg", "channelmsg", "broadcastmsg", "voice", "video", "desktop", "mediafile",
}

func (sub Subscription) String() string {
	if int(sub) < len(subscriptionNames) {
		return subscriptionNames[sub]
	}
	return "unknown"
}

// A SubscriptionSet is a set of categories; it is what the wire's mask
// fields and directory.User masks encode.
type SubscriptionSet uint32

// AllSubscriptions has every category enabled, the state every new peer
// starts in.
const AllSubscriptions = SubscriptionSet(1<<subscriptionCount - 1)

// NewSubscriptionSet builds a set from individual categories.
func NewSubscriptionSet(subs ...Subscription) SubscriptionSet {
	var set SubscriptionSet
	for _, sub := range subs {
		set |= 1 << sub
	}
	return set
}

// Has returns true if the category is in the set.
func (set SubscriptionSet) Has(sub Subscription) bool {
	return set&(1<<sub) != 0
}

// With returns the set with the categories added.
func (set SubscriptionSet) With(subs ...Subscription) SubscriptionSet {
	return set | NewSubscriptionSet(subs...)
}

// Without returns the set with the categories removed.
func (set SubscriptionSet) Without(subs ...Subscription) SubscriptionSet {
	return set &^ NewSubscriptionSet(subs...)
}

func (set SubscriptionSet) String() string {
	names := make([]string, 0, subscriptionCount)
	for sub := Subscription(0); sub < subscriptionCount; sub++ {
		if set.Has(sub) {
			names = append(names, sub.String())
		}
	}
	return strings.Join(names, ",")
}

// A Direction tells which way a subscription (or stream) flows, seen from
// this client.
type Direction int

// Directions.
const (
	DirectionIncoming Direction = iota // peer to us
	DirectionOutgoing                  // us to peer
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// subscriptionFor maps a stream category to the subscription gating it.
// File transfers are not subscription-gated.
func subscriptionFor(category StreamCategory) (Subscription, bool) {
	switch category {
	case StreamVoice:
		return SubVoice, true
	case StreamVideo:
		return SubVideo, true
	case StreamDesktop:
		return SubDesktop, true
	case StreamMediaFile:
		return SubMediaFile, true
	default:
		return 0, false
	}
}

// SetSubscription enables or disables one category toward a peer. The
// command goes through the flood guard; the directory's stored mask only
// changes when the server confirms. DirectionIncoming controls what the
// peer may send us, DirectionOutgoing what we send the peer.
func (client *Client) SetSubscription(sessionID int, sub Subscription, enabled bool, direction Direction) error {
	if client.State() != StateIdle && client.State() != StateInChannel {
		return newError(KindChannel, "not logged in")
	}

	verb := "subscribe"
	if !enabled {
		verb = "unsubscribe"
	}

	cmd := NewCommand(verb).
		SetInt("sessionid", sessionID).
		SetInt("mask", int(NewSubscriptionSet(sub))).
		SetBool("outgoing", direction == DirectionOutgoing)

	_, err := client.sendCommand(cmd, &pendingCommand{
		subSession:   sessionID,
		subMask:      NewSubscriptionSet(sub),
		subDirection: direction,
	})
	return err
}

// applySubscriptionChange is run on the event loop when the server confirms
// a subscription command or pushes a peer's change.
func (client *Client) applySubscriptionChange(sessionID int, mask SubscriptionSet, enabled bool, direction Direction) {
	user, ok := client.directory.User(sessionID)
	if !ok {
		return
	}

	local := SubscriptionSet(user.LocalSubscriptions)
	remote := SubscriptionSet(user.RemoteSubscriptions)

	target := &local
	if direction == DirectionOutgoing {
		target = &remote
	}

	if enabled {
		*target |= mask
	} else {
		*target &^= mask
	}

	client.directory.SetUserSubscriptions(sessionID, uint32(local), uint32(remote))

	event := NewEvent("subscription", "changed")
	event.Fields["sessionid"] = itoa(sessionID)
	event.Fields["mask"] = itoa(int(mask))
	event.Fields["enabled"] = boolString(enabled)
	event.Fields["direction"] = direction.String()
	client.EmitNonBlocking(event)
}

// subscribed reports whether we accept the category from the peer. Unknown
// peers drop to false: media from a session we have never seen is not
// deliverable anyway.
func (client *Client) subscribed(sessionID int, sub Subscription) bool {
	user, ok := client.directory.User(sessionID)
	if !ok {
		return false
	}

	return SubscriptionSet(user.LocalSubscriptions).Has(sub)
}
