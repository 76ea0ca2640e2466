package mqtt

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/transformer"
)

// Status topic payloads
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusTopic returns the retained availability topic
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "")

func topicLevel(s string) string {
	return topicReplacer.Replace(strings.TrimSpace(s))
}

// BaseTopic returns <prefix>/<protocol>/<device_id>[/<channel>], or the mapped topic when the
// device mapping assigns one.
func BaseTopic(prefix string, r transformer.Reading) string {
	if r.Topic != "" {
		return r.Topic
	}
	levels := []string{prefix, topicLevel(r.Protocol), topicLevel(r.DeviceID)}
	if r.Channel != "" {
		levels = append(levels, topicLevel(r.Channel))
	}
	return strings.Join(levels, "/")
}

// LabelTopic returns the retained topic carrying a mapped device's label
func LabelTopic(base string) string {
	return base + "/label"
}

type message struct {
	topic   string
	payload []byte
}

// messages renders a reading in the configured payload format
func messages(format, prefix string, r transformer.Reading) ([]message, error) {
	base := BaseTopic(prefix, r)

	if format == config.PayloadJSON {
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		return []message{{topic: base, payload: payload}}, nil
	}

	out := make([]message, 0, len(r.Measurements))
	for _, m := range r.Measurements {
		out = append(out, message{
			topic:   base + "/" + m.Name,
			payload: []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)),
		})
	}
	return out, nil
}
