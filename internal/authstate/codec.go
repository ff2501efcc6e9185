package authstate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chatwire.app/sessiond/internal/model"
)

// The key store holds untyped protocol key material that may contain raw byte
// buffers. Plain JSON cannot round-trip those, so every []byte leaf is wrapped
// in a tagged envelope on the way out and unwrapped on the way in. The codec
// is applied on every persistence path; skipping it once would corrupt key
// material on the next reload.
const bytesTag = "$bytes"

type sessionBlob struct {
	Creds *model.Credentials `json:"creds"`
	Keys  map[string]any     `json:"keys"`
}

func marshalSession(creds *model.Credentials, keys map[string]any) ([]byte, error) {
	encoded := make(map[string]any, len(keys))
	for k, v := range keys {
		encoded[k] = encodeValue(v)
	}

	data, err := json.Marshal(sessionBlob{Creds: creds, Keys: encoded})
	if err != nil {
		return nil, fmt.Errorf("marshaling auth state: %w", err)
	}
	return data, nil
}

func unmarshalSession(data []byte) (*model.Credentials, map[string]any, error) {
	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling auth state: %w", err)
	}
	if blob.Creds == nil {
		return nil, nil, fmt.Errorf("auth state has no credentials")
	}

	keys := make(map[string]any, len(blob.Keys))
	for k, v := range blob.Keys {
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding key %q: %w", k, err)
		}
		keys[k] = decoded
	}
	return blob.Creds, keys, nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{bytesTag: base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = encodeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = encodeValue(inner)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if tagged, ok := val[bytesTag]; ok && len(val) == 1 {
			str, ok := tagged.(string)
			if !ok {
				return nil, fmt.Errorf("%s envelope holds %T, want string", bytesTag, tagged)
			}
			raw, err := base64.StdEncoding.DecodeString(str)
			if err != nil {
				return nil, fmt.Errorf("decoding %s envelope: %w", bytesTag, err)
			}
			return raw, nil
		}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			decoded, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			decoded, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}
