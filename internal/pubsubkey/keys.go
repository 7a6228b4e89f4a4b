// Package pubsubkey namespaces Redis keys and encodes the channel-tuple
// and context-value wire formats shared by the registry and context store.
package pubsubkey

import "strings"

const (
	nsConn  = "conn"
	nsSub   = "sub"
	nsTopic = "topic"

	graphQLNamespace = "graphql"
	pubsubNamespace  = "pubsub"

	// DefaultPrefix is used when New is given an empty prefix.
	DefaultPrefix = "pubsub"
)

// Keys builds the namespaced Redis keys for one configured prefix.
type Keys struct {
	Prefix string
}

// New returns a Keys using prefix, or DefaultPrefix if prefix is empty.
func New(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

// ConnKey is the set of subscription keys owned by connectionID.
func (k Keys) ConnKey(connectionID string) string {
	return k.Prefix + ":" + nsConn + ":" + connectionID
}

// SubKey is the set of topic keys referenced by subscriptionID.
func (k Keys) SubKey(subscriptionID string) string {
	return k.Prefix + ":" + nsSub + ":" + subscriptionID
}

// TopicKey is the set of channel tuples subscribed to name.
func (k Keys) TopicKey(name string) string {
	return k.Prefix + ":" + nsTopic + ":" + name
}

// ContextKey is the hash of flattened protocol-context fields for connectionID.
// It lives in a separate namespace from the pubsub index keys, keeping
// the two top-level key families (graphql:* vs pubsub:*) distinct.
func (k Keys) ContextKey(connectionID string) string {
	return graphQLNamespace + ":connection:" + connectionID
}

// SubscriptionPayloadKey is the string holding the verbatim subscribe
// payload JSON for subscriptionID.
func (k Keys) SubscriptionPayloadKey(subscriptionID string) string {
	return graphQLNamespace + ":subscription:" + subscriptionID
}

// IDFromConnKey recovers the connection id from a pubsub:conn:{cid} key.
func IDFromConnKey(key string) string {
	return lastSegment(key)
}

// IDFromSubKey recovers the subscription id from a pubsub:sub:{sid} key.
func IDFromSubKey(key string) string {
	return lastSegment(key)
}

// IDFromTopicKey recovers the topic name from a pubsub:topic:{name} key.
// Topic names may themselves contain ':', so everything after the second
// colon is returned, not just the last segment.
func IDFromTopicKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func lastSegment(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// EncodeTuple serializes a channel tuple as the exact concatenation of the
// two namespaced keys, joined by '#'.
func EncodeTuple(connKey, subKey string) string {
	return connKey + "#" + subKey
}

// DecodeTuple recovers (connectionID, subscriptionID) from an encoded
// tuple. Malformed tuples (missing '#', or a half missing its own ':')
// return ok=false so callers like Registry.GetChannels can silently
// drop them instead of failing the whole lookup.
func DecodeTuple(tuple string) (connectionID, subscriptionID string, ok bool) {
	idx := strings.Index(tuple, "#")
	if idx < 0 {
		return "", "", false
	}
	connPart, subPart := tuple[:idx], tuple[idx+1:]
	if !strings.Contains(connPart, ":") || !strings.Contains(subPart, ":") {
		return "", "", false
	}
	connectionID = lastSegment(connPart)
	subscriptionID = lastSegment(subPart)
	if connectionID == "" || subscriptionID == "" {
		return "", "", false
	}
	return connectionID, subscriptionID, true
}
