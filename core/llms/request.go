package llms

import "encoding/json"

// Request is a single chat completion request sent to the model service.
//
// RequestID is the correlation key used to abort the request.
type Request struct {
	RequestID  string         `json:"request_id"`
	Model      string         `json:"model"`
	Messages   Messages       `json:"messages"`
	Streaming  bool           `json:"streaming"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Tools      []ToolMetadata `json:"tools,omitempty"`
}

// AbortRequest asks the model service to stop generating for RequestID.
type AbortRequest struct {
	RequestID string `json:"request_id"`
}

// ParseRequest decodes a request, defaulting Streaming to true when the field
// is absent.
func ParseRequest(data []byte) (*Request, error) {
	request := Request{Streaming: true}
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}
	return &request, nil
}
