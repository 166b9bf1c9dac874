package wiretap

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/inktrace/inktrace/internal/intel"
)

// Classification describes one intercepted exchange.
type Classification struct {
	Method     string
	Capability string
}

// Classifier derives the method and the exercised capability of an
// intercepted request from its JSON-RPC envelope or, failing that, its path.
type Classifier struct {
	logger *slog.Logger
}

func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		logger: logger.With("component", "wiretap.Classifier"),
	}
}

// pathRules map REST-style agent endpoints to their JSON-RPC method names.
// First match wins.
var pathRules = []struct {
	suffix string
	method string
}{
	{suffix: "/tasks/sendSubscribe", method: "tasks/sendSubscribe"},
	{suffix: "/tasks/send", method: "tasks/send"},
	{suffix: "/tasks/get", method: "tasks/get"},
	{suffix: "/tasks/cancel", method: "tasks/cancel"},
	{suffix: "/message/stream", method: "message/stream"},
	{suffix: "/message/send", method: "message/send"},
	{suffix: "/.well-known/agent.json", method: "agent/card"},
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type capabilityHints struct {
	Capability string `json:"capability"`
	Skill      string `json:"skill"`
	SkillID    string `json:"skill_id"`
	SkillIDAlt string `json:"skillId"`
}

type rpcParams struct {
	capabilityHints
	Metadata capabilityHints `json:"metadata"`
	Message  *struct {
		Metadata capabilityHints `json:"metadata"`
	} `json:"message"`
}

func (h capabilityHints) first() string {
	for _, v := range []string{h.Capability, h.Skill, h.SkillID, h.SkillIDAlt} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Classify never fails; an opaque body yields a path or verb based method
// and no capability.
func (c *Classifier) Classify(req *http.Request, body []byte) Classification {
	var out Classification

	if env, ok := decodeEnvelope(body); ok {
		out.Method = env.Method
		out.Capability = capabilityFrom(env.Params)
	}

	if out.Method == "" {
		for _, rule := range pathRules {
			if strings.HasSuffix(req.URL.Path, rule.suffix) {
				out.Method = rule.method
				break
			}
		}
	}
	if out.Method == "" {
		out.Method = "http." + strings.ToLower(req.Method)
	}

	c.logger.Debug("classified exchange",
		"path", req.URL.Path,
		"method", out.Method,
		"capability", out.Capability,
	)
	return out
}

// decodeEnvelope reads a JSON-RPC request or the first element of a batch.
func decodeEnvelope(body []byte) (rpcEnvelope, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return rpcEnvelope{}, false
	}
	var env rpcEnvelope
	if body[0] == '[' {
		var batch []rpcEnvelope
		if err := json.Unmarshal(body, &batch); err != nil || len(batch) == 0 {
			return rpcEnvelope{}, false
		}
		env = batch[0]
	} else if err := json.Unmarshal(body, &env); err != nil {
		return rpcEnvelope{}, false
	}
	return env, env.Method != ""
}

func capabilityFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p rpcParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	name := p.first()
	if name == "" {
		name = p.Metadata.first()
	}
	if name == "" && p.Message != nil {
		name = p.Message.Metadata.first()
	}
	return intel.NormalizeCapability(name)
}

// isRPCError reports whether a complete JSON response body carries a
// JSON-RPC error member.
func isRPCError(body []byte) bool {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return false
	}
	var resp struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	return len(resp.Error) > 0 && string(resp.Error) != "null"
}
