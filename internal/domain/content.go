package domain

import "encoding/json"

// ExtractChannelContent returns the channel-specific sub-document from a
// request's content object (content[channel]), falling back to the whole
// object when that key is absent. A multi-channel request submits content
// keyed by channel (e.g. {"email":{"subject":"s","message":"m"}}); each
// per-channel Notification must carry only its own slot, the same
// channel-shape contract AppendWarningToContent already assumes below.
func ExtractChannelContent(content RawPayload, channel Channel) RawPayload {
	if len(content) == 0 {
		return content
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(content, &generic); err != nil {
		return content
	}
	if raw, ok := generic[string(channel)]; ok {
		return RawPayload(raw)
	}
	return content
}

// AppendWarningToContent implements the manual-intervention content
// mutation described for the recovery reconciler (§4.J): it appends a
// warning string into content[channel].message if that slot exists,
// otherwise into content.message. The mutation is channel-shape-aware but
// otherwise opaque: content is never interpreted beyond this one slot.
func AppendWarningToContent(content RawPayload, channel Channel, warning string) (RawPayload, error) {
	var generic map[string]json.RawMessage
	if len(content) == 0 {
		generic = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(content, &generic); err != nil {
		return content, err
	}

	if raw, ok := generic[string(channel)]; ok {
		var nested map[string]any
		if err := json.Unmarshal(raw, &nested); err != nil {
			nested = map[string]any{}
		}
		nested["message"] = appendWarning(nested["message"], warning)
		encoded, err := json.Marshal(nested)
		if err != nil {
			return content, err
		}
		generic[string(channel)] = encoded
		out, err := json.Marshal(generic)
		return RawPayload(out), err
	}

	nested := map[string]any{}
	for k, v := range generic {
		var decoded any
		_ = json.Unmarshal(v, &decoded)
		nested[k] = decoded
	}
	nested["message"] = appendWarning(nested["message"], warning)
	out, err := json.Marshal(nested)
	return RawPayload(out), err
}

func appendWarning(existing any, warning string) string {
	s, _ := existing.(string)
	if s == "" {
		return warning
	}
	return s + " " + warning
}
