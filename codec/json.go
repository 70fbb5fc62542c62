/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package codec

import (
	"encoding/json"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// JSON is a Serializer with a human-readable wire form.  Because JSON
// carries no type information, every concrete type must be registered with
// a name and a factory before it can cross the codec.  Register pointer
// values (factories returning e.g. *MyTransaction) and serialize pointers.
type JSON struct {
	mu        sync.RWMutex
	factories map[string]func() interface{}
	names     map[reflect.Type]string
}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewJSON() *JSON {
	return &JSON{
		factories: map[string]func() interface{}{},
		names:     map[reflect.Type]string{},
	}
}

// Register associates name with the type produced by factory.  Registering
// the same name or the same type twice is an error.
func (j *JSON) Register(name string, factory func() interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.factories[name]; ok {
		return errors.Errorf("type name %q already registered with the JSON codec", name)
	}

	t := reflect.TypeOf(factory())
	if existing, ok := j.names[t]; ok {
		return errors.Errorf("type %v already registered with the JSON codec as %q", t, existing)
	}

	j.factories[name] = factory
	j.names[t] = name
	return nil
}

func (j *JSON) Serialize(w io.Writer, v interface{}) error {
	j.mu.RLock()
	name, ok := j.names[reflect.TypeOf(v)]
	j.mu.RUnlock()
	if !ok {
		return errors.Errorf("type %T not registered with the JSON codec", v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.WithMessagef(err, "could not json-encode %T", v)
	}

	if err := json.NewEncoder(w).Encode(&jsonEnvelope{Type: name, Data: data}); err != nil {
		return errors.WithMessage(err, "could not write json envelope")
	}
	return nil
}

func (j *JSON) Deserialize(r io.Reader) (interface{}, error) {
	var e jsonEnvelope
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, errors.WithMessage(err, "could not read json envelope")
	}

	j.mu.RLock()
	factory, ok := j.factories[e.Type]
	j.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown type %q in json payload", e.Type)
	}

	v := factory()
	if err := json.Unmarshal(e.Data, v); err != nil {
		return nil, errors.WithMessagef(err, "could not json-decode %q", e.Type)
	}
	return v, nil
}
