package tbmqtt

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/dratasich/waterquality-monitor/events"
	"github.com/mitchellh/mapstructure"
)

// ErrAttributeNotFound is returned when TB answers without the requested key.
var ErrAttributeNotFound = errors.New("attribute not found")

// Store exposes ThingsBoard attributes as a path based key-value store.
//
// Reads resolve the last path element as a shared attribute key, so
// "/waterQuality/calibration/tdsFactor" reads the shared attribute
// "tdsFactor". Writes publish the document as a single client attribute
// named after the last path element, replacing its previous value.
type Store struct {
	client *TBMQTT
}

func NewStore(client *TBMQTT) *Store {
	return &Store{client: client}
}

// GetFloat reads a scalar shared attribute.
func (s *Store) GetFloat(ctx context.Context, p string) (float64, error) {
	key := path.Base(p)
	resp, err := s.client.RequestAttributes(ctx, events.RequestAttributes{SharedKeys: key})
	if err != nil {
		return 0, err
	}
	raw, ok := resp.Shared(key)
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: %s", ErrAttributeNotFound, key)
	}
	var value float64
	if err := mapstructure.WeakDecode(raw, &value); err != nil {
		return 0, fmt.Errorf("failed to decode attribute %s: %w", key, err)
	}
	return value, nil
}

// SetDocument overwrites the client attribute at p with doc.
func (s *Store) SetDocument(ctx context.Context, p string, doc map[string]any) error {
	return s.client.PublishAttributes(ctx, events.Attributes{path.Base(p): doc})
}

// IsReady reports whether reads and writes can reach ThingsBoard.
func (s *Store) IsReady() bool {
	return s.client.IsReady()
}
