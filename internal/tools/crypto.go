package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"
	"github.com/rendis/stepflow/pkg/schema"
)

// CryptoTools returns hashing and id generation tools.
func CryptoTools() []Tool {
	str := schema.Primitive(schema.TypeString)

	return []Tool{
		&Func{
			ToolName: "crypto.hash",
			Summary:  "Compute a hex digest of text",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("data", str),
					optional("algorithm", str, "sha256"),
				},
				Outputs: []schema.ToolOutput{output("hash", str)},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				newHash, err := hashFunc(stringParam(p, "algorithm", "sha256"))
				if err != nil {
					return nil, err
				}
				h := newHash()
				h.Write([]byte(stringParam(p, "data", "")))
				return map[string]any{"hash": hex.EncodeToString(h.Sum(nil))}, nil
			},
		},
		&Func{
			ToolName: "crypto.hmac",
			Summary:  "Compute a hex HMAC of text with a key",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{
					required("data", str),
					required("key", str),
					optional("algorithm", str, "sha256"),
				},
				Outputs: []schema.ToolOutput{output("hmac", str)},
			},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				newHash, err := hashFunc(stringParam(p, "algorithm", "sha256"))
				if err != nil {
					return nil, err
				}
				mac := hmac.New(newHash, []byte(stringParam(p, "key", "")))
				mac.Write([]byte(stringParam(p, "data", "")))
				return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil))}, nil
			},
		},
		&Func{
			ToolName: "crypto.uuid",
			Summary:  "Generate a random UUID",
			Sig: schema.ToolSignature{
				Parameters: []schema.ToolParameter{},
				Outputs:    []schema.ToolOutput{output("id", str)},
			},
			Fn: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"id": uuid.NewString()}, nil
			},
		},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
	}
}
