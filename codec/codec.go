/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package codec defines the pluggable serialization contract used for
// journal entries, snapshots and deep copies, along with two built-in
// implementations: a gob codec and a JSON codec with an explicit type
// registry.
package codec

import "io"

// Serializer turns values into bytes and back.  Deserialize must return a
// freshly allocated value that shares no structure with anything previously
// serialized; the engine relies on a Serialize/Deserialize round trip as
// its deep-copy primitive.
//
// Implementations must be safe for concurrent use.
type Serializer interface {
	Serialize(w io.Writer, v interface{}) error
	Deserialize(r io.Reader) (interface{}, error)
}
