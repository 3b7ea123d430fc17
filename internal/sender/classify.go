package sender

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

// Classify interprets a 2xx body from /process-message/.
func Classify(body []byte, attempts int) Outcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return failure(KindProtocolError, "response is not a JSON object", nil, attempts)
	}

	var reply domain.BotReply
	if err := json.Unmarshal(trimmed, &reply); err != nil {
		return failure(KindProtocolError, "malformed response body", err, attempts)
	}
	if msg := strings.TrimSpace(reply.Error); msg != "" {
		return failure(KindApplicationError, msg, nil, attempts)
	}
	reply.Raw = append(json.RawMessage(nil), trimmed...)
	return success(&reply, attempts)
}

type responseBodier interface {
	ResponseBody() string
}

// rejectionMessage pulls the backend's "error" field out of a rejected
// request, falling back to the error text.
func rejectionMessage(err error, bodier responseBodier) string {
	if bodier != nil {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal([]byte(bodier.ResponseBody()), &body) == nil && strings.TrimSpace(body.Error) != "" {
			return strings.TrimSpace(body.Error)
		}
	}
	return err.Error()
}
