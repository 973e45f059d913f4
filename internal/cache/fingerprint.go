package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FingerprintPrefix versions the hashing scheme. Bump it when the canonical
// form changes so old entries stop matching.
const FingerprintPrefix = "fp:v1:"

// FingerprintInput is everything that makes two executions interchangeable.
type FingerprintInput struct {
	WorkflowName    string                 `json:"workflowName"`
	BusinessID      string                 `json:"businessId"`
	Params          map[string]interface{} `json:"params"`
	CustomData      map[string]interface{} `json:"customData"`
	ContextRevision string                 `json:"contextRevision"`
	Strict          bool                   `json:"strict"`
}

// Fingerprint hashes the canonical JSON form of in. encoding/json writes
// map keys in sorted order at every depth, so key order in the input maps
// never changes the result. Nil and empty maps hash the same.
func Fingerprint(in FingerprintInput) (string, error) {
	if in.Params == nil {
		in.Params = map[string]interface{}{}
	}
	if in.CustomData == nil {
		in.CustomData = map[string]interface{}{}
	}

	canonical, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("fingerprint: params are not JSON encodable: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return FingerprintPrefix + hex.EncodeToString(sum[:]), nil
}
