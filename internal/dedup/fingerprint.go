package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"

	"botflow/internal/domain"
)

// fingerprintProperties are the semantically relevant fields of a
// request: what runs, where it can run, and its timeouts. Identity,
// timing, user, priority and tags are deliberately excluded so that
// structurally identical requests collide.
type fingerprintProperties struct {
	Commands             [][]string          `json:"commands"`
	Dimensions           map[string][]string `json:"dimensions"`
	Env                  map[string]string   `json:"env"`
	ExecutionTimeoutSecs int64               `json:"execution_timeout_secs"`
	IOTimeoutSecs        int64               `json:"io_timeout_secs"`
}

// Fingerprint computes the canonical hash of a request's properties.
// The encoding is deterministic: map keys are sorted by the JSON
// encoder and dimension value sets are sorted here.
func Fingerprint(req *domain.TaskRequest) string {
	dims := make(map[string][]string, len(req.Dimensions))
	for k, vs := range req.Dimensions {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		dims[k] = sorted
	}
	// A nil map marshals to null, an empty one to {}. Both mean the
	// same request, so they must hash alike.
	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	props := fingerprintProperties{
		Commands:             req.Commands,
		Dimensions:           dims,
		Env:                  env,
		ExecutionTimeoutSecs: int64(req.ExecutionTimeout.Seconds()),
		IOTimeoutSecs:        int64(req.IOTimeout.Seconds()),
	}
	raw, err := json.Marshal(props)
	if err != nil {
		// Marshaling plain maps and slices of strings cannot fail.
		panic(err)
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
