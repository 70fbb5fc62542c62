/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package codec

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

// envelope carries the value as an interface field so that gob records the
// concrete type name alongside the data.
type envelope struct {
	V interface{}
}

// Gob is the default Serializer.  Callers must register every concrete
// type that will cross it with gob.Register, on both the writing and the
// reading side.
type Gob struct{}

func NewGob() *Gob {
	return &Gob{}
}

func (*Gob) Serialize(w io.Writer, v interface{}) error {
	if err := gob.NewEncoder(w).Encode(&envelope{V: v}); err != nil {
		return errors.WithMessage(err, "could not gob-encode value")
	}
	return nil
}

func (*Gob) Deserialize(r io.Reader) (interface{}, error) {
	var e envelope
	if err := gob.NewDecoder(r).Decode(&e); err != nil {
		return nil, errors.WithMessage(err, "could not gob-decode value")
	}
	return e.V, nil
}
