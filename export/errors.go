package export

import (
	"errors"
	"fmt"

	"careflow/envelope"
	"careflow/storage"
)

// Pipeline step names, in execution order.
const (
	StepBundle  = "bundle"
	StepKeyLoad = "key_load"
	StepEncrypt = "encrypt"
	StepUpload  = "upload"
	StepPresign = "presign"
)

// Step sentinels. Key-load failures carry envelope.ErrKeyUnavailable.
var (
	ErrBundle  = errors.New("export: bundle failed")
	ErrEncrypt = errors.New("export: encryption failed")
	ErrUpload  = errors.New("export: upload failed")
	ErrPresign = errors.New("export: presign failed")
	// ErrStorageUnavailable additionally tags upload and presign failures
	// whose cause is transient, so callers can retry the failed step
	// instead of treating the outage like a misconfiguration.
	ErrStorageUnavailable = errors.New("export: storage unavailable")
)

// Error tags a pipeline failure with the step that failed and any artifact
// already produced, so a retry can resume rather than redo completed work.
// When Package is non-nil and carries a storage key, the ciphertext is
// already uploaded; RenewDownloadURL resumes from the presign step.
type Error struct {
	Step    string
	Err     error
	Package *IntakePackage
}

func (e *Error) Error() string {
	return fmt.Sprintf("export: step %s: %v", e.Step, e.Err)
}

// Unwrap exposes the step sentinel, the transient marker when it applies,
// and the underlying cause, so errors.Is matches any of them.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	if sentinel := stepSentinel(e.Step); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if (e.Step == StepUpload || e.Step == StepPresign) && storage.IsUnavailable(e.Err) {
		errs = append(errs, ErrStorageUnavailable)
	}
	return append(errs, e.Err)
}

func stepSentinel(step string) error {
	switch step {
	case StepBundle:
		return ErrBundle
	case StepKeyLoad:
		return envelope.ErrKeyUnavailable
	case StepEncrypt:
		return ErrEncrypt
	case StepUpload:
		return ErrUpload
	case StepPresign:
		return ErrPresign
	default:
		return nil
	}
}

func stepError(step string, err error, pkg *IntakePackage) *Error {
	return &Error{Step: step, Err: err, Package: pkg}
}
