package events

// Attributes
type Attributes map[string]any

// Attributes request
//
// keys are comma separated, empty lists are omitted
//
// see also
// - api: https://thingsboard.io/docs/reference/mqtt-api/#request-attribute-values-from-the-server
type RequestAttributes struct {
	ClientKeys string `json:"clientKeys,omitempty"`
	SharedKeys string `json:"sharedKeys,omitempty"`
}

// Attributes response
//
// see also
// - api: https://thingsboard.io/docs/reference/mqtt-api/#request-attribute-values-from-the-server
type ResponseAttributes struct {
	// id (references request)
	//
	// extracted from the topic
	Id string

	// rest is payload

	ClientAttr *map[string]any `json:"client"`
	SharedAttr *map[string]any `json:"shared"`
}

// Shared returns the value of a shared attribute contained in the response.
func (r *ResponseAttributes) Shared(key string) (any, bool) {
	if r == nil || r.SharedAttr == nil {
		return nil, false
	}
	v, ok := (*r.SharedAttr)[key]
	return v, ok
}
