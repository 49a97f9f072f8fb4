// ABOUTME: Broker topic scheme helpers for the mesh hierarchy.
// ABOUTME: Topics follow msh/<region>/<channel_index>/json/<channel_name>.

package pubsub

import "strings"

// Well-known topic patterns on the mesh broker.
const (
	// NodeInfoPattern matches node identity announcements from all nodes.
	NodeInfoPattern = "msh/+/nodeinfo"
)

// ChannelName extracts the trailing channel name from a topic or topic
// pattern, e.g. "msh/US/2/json/llmres/" -> "llmres".
func ChannelName(topic string) string {
	parts := strings.Split(topic, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

// OnChannel reports whether a concrete topic falls under a configured
// channel topic (direct match or sub-topic, ignoring trailing slashes).
func OnChannel(topic, channel string) bool {
	if channel == "" {
		return false
	}
	topic = strings.TrimSuffix(topic, "/")
	channel = strings.TrimSuffix(channel, "/")
	return topic == channel || strings.HasPrefix(topic, channel+"/")
}
