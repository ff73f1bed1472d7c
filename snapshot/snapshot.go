// Package snapshot defines the serialized form of a runtime's module map:
// every module source with its resolved requests plus the redirect table.
// A restored runtime re-hydrates the map from this blob and evaluates the
// same graph without a module loader.
package snapshot

import (
	"github.com/google/uuid"
	"github.com/near/borsh-go"

	"github.com/wippyai/js-runtime/errors"
)

// FormatVersion is bumped on incompatible layout changes. Decode rejects
// blobs from other versions.
const FormatVersion uint32 = 1

// Module is one serialized module map entry. ID is the module's id in the
// source runtime; restore places the module back at it, so ids held across
// a snapshot stay valid.
type Module struct {
	ID        int32
	Specifier string
	Main      bool
	Media     uint8
	Source    string
	Requests  []string
}

// Redirect is one redirect table entry.
type Redirect struct {
	From string
	To   string
}

// Data is the snapshot payload.
type Data struct {
	Version     uint32
	ID          uuid.UUID
	CreatedUnix int64
	Modules     []Module
	Redirects   []Redirect
}

// Encode serializes the payload.
func Encode(d Data) ([]byte, error) {
	blob, err := borsh.Serialize(d)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindInvalidInput, err, "serialize snapshot")
	}
	return blob, nil
}

// Decode deserializes and version-checks a snapshot blob.
func Decode(b []byte) (Data, error) {
	var d Data
	if err := borsh.Deserialize(&d, b); err != nil {
		return Data{}, errors.Wrap(errors.PhaseSnapshot, errors.KindInvalidInput, err, "deserialize snapshot")
	}
	if d.Version != FormatVersion {
		return Data{}, errors.New(errors.PhaseSnapshot, errors.KindInvalidInput).
			Detail("unsupported snapshot version %d", d.Version).
			Build()
	}
	return d, nil
}
