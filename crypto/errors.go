package crypto

import "fmt"

// Decrypt failure stages.
const (
	StageUnwrapKey  = "unwrap-key"
	StageBody       = "body"
	StageAttachment = "attachment"
)

// DecryptError reports a failed unwrap or decrypt. Callers keep the message
// and mark it undecryptable instead of dropping it.
type DecryptError struct {
	Stage string
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("crypto: decrypt failed at %s: %v", e.Stage, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}
