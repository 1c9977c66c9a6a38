package proxy

import "encoding/json"

// PingPayload opens the handshake.
type PingPayload struct {
	Origin string `json:"origin"`
}

// FetchPayload describes a request the endpoint performs with its ambient
// credentials. A binary body travels as Request.Transfer under the "body"
// transfer path; Body only carries text bodies that were not transferred.
type FetchPayload struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials string            `json:"credentials,omitempty"`
	Cache       string            `json:"cache,omitempty"`
	Body        string            `json:"body,omitempty"`
}

// FetchBodyPath is the transfer path of a Fetch request body.
const FetchBodyPath = "body"

// FetchResult is the data of a Fetch reply. Headers travel in Reply.Headers
// and the response body in Reply.Transfer.
type FetchResult struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText,omitempty"`
	OK         bool   `json:"ok"`
	URL        string `json:"url,omitempty"`
}

// EvalPayload is the payload of CommandEval.
type EvalPayload struct {
	Code string `json:"code"`
}

// CommandPayload is the payload of CommandSetCommand and CommandSetWorkerCommand.
type CommandPayload struct {
	CommandName string `json:"commandName"`
	CommandCode string `json:"commandCode"`
}

// InvokePayload calls a command registered with SetCommand or SetWorkerCommand.
type InvokePayload struct {
	CommandName string          `json:"commandName"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// RunPayload is the payload of CommandRun: a module set evaluated in a fresh
// sandbox whose entry point exports become the reply data.
type RunPayload struct {
	ModuleBootstrap   string          `json:"moduleBootstrap,omitempty"`
	ModuleDefinitions []string        `json:"moduleDefinitions"`
	EntryPointID      string          `json:"entryPointId"`
	ModuleConfig      json.RawMessage `json:"moduleConfig,omitempty"`
}

// Fields returns p as a map payload, the form Invoke needs when a transfer
// path is set.
func (p RunPayload) Fields() map[string]any {
	fields := map[string]any{
		"moduleDefinitions": p.ModuleDefinitions,
		"entryPointId":      p.EntryPointID,
	}
	if p.ModuleDefinitions == nil {
		fields["moduleDefinitions"] = []string{}
	}
	if p.ModuleBootstrap != "" {
		fields["moduleBootstrap"] = p.ModuleBootstrap
	}
	if len(p.ModuleConfig) > 0 {
		fields["moduleConfig"] = p.ModuleConfig
	}
	return fields
}
