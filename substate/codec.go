// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import (
	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	// CodecVersion is the current default codec version
	CodecVersion = 0
)

// Codecs do serialization and deserialization
var (
	Codec codec.Manager
)

func init() {
	c := linearcodec.NewDefault()
	Codec = codec.NewDefaultManager()

	errs := wrappers.Errs{}
	errs.Add(
		c.RegisterType(&Value{}),
		c.RegisterType(&TypeInfo{}),
	)
	errs.Add(
		Codec.RegisterCodec(CodecVersion, c),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}

// Serializer turns substate values into bytes and back. The kernel never
// looks inside the payload; Validate only checks the ownership shape.
type Serializer interface {
	Encode(v *Value) ([]byte, error)
	Decode(b []byte) (*Value, error)
	Validate(v *Value) error
}

var _ Serializer = &CodecSerializer{}

// CodecSerializer is the default Serializer, backed by Codec.
type CodecSerializer struct{}

func (CodecSerializer) Encode(v *Value) ([]byte, error) { return Codec.Marshal(CodecVersion, v) }

func (CodecSerializer) Decode(b []byte) (*Value, error) {
	v := &Value{}
	if _, err := Codec.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (CodecSerializer) Validate(v *Value) error { return v.Validate() }

// EncodeValue encodes [v] with the default serializer.
func EncodeValue(v *Value) ([]byte, error) { return CodecSerializer{}.Encode(v) }

// DecodeValue decodes [b] with the default serializer.
func DecodeValue(b []byte) (*Value, error) { return CodecSerializer{}.Decode(b) }
