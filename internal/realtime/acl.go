package realtime

import (
	"strings"

	"github.com/Qarib2004/rentcar-sub001/internal/rbac"
	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"
)

// canSubscribe: a principal may read its own user topic and any public topic.
// Admins may read everything.
func canSubscribe(principalID, role, topic string) bool {
	if rbac.IsAdmin(role) {
		return true
	}
	if strings.HasPrefix(topic, proto.TopicPublicPrefix) && len(topic) > len(proto.TopicPublicPrefix) {
		return true
	}
	return topic == proto.UserTopic(principalID)
}
