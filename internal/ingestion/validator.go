package ingestion

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern is a pre-compiled regex for client, model and table identifiers.
// Identifiers end up inside table names, so they are restricted to characters the
// query engine accepts unquoted.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validator performs precondition checks on ingestion requests before any
// external side effect happens.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRequest checks request-level fields and every file task.
// All failures wrap ErrInvalidArgument.
func (v *Validator) ValidateRequest(req *Request) error {
	if req == nil {
		return invalidArgument(ErrNilRequest, "")
	}

	if err := v.ValidateModel(req.ClientID, req.ModelID); err != nil {
		return err
	}

	if strings.TrimSpace(req.Bucket) == "" {
		return invalidArgument(ErrMissingBucket, "")
	}

	if strings.TrimSpace(req.Database) == "" {
		return invalidArgument(ErrMissingDatabase, "")
	}

	if len(req.Files) == 0 {
		return invalidArgument(ErrNoFiles, "")
	}

	for i := range req.Files {
		if err := v.ValidateFileTask(&req.Files[i]); err != nil {
			return fmt.Errorf("files[%d]: %w", i, err)
		}
	}

	return nil
}

// ValidateModel checks the client and model identifiers that name a model's
// tables and view.
func (v *Validator) ValidateModel(clientID, modelID string) error {
	if err := validateIdentifier(clientID, ErrMissingClientID, "clientId"); err != nil {
		return err
	}

	return validateIdentifier(modelID, ErrMissingModelID, "modelId")
}

// ValidateFileTask checks a single task.
//
// Rules:
//   - tableName is a valid identifier and is not "view" (reserved for the model view)
//   - operation is ADD, APPEND, REPLACE or DELETE
//   - fileName and Body are required for uploading operations
//   - DELETE carries no Body
//   - fileName never contains path separators
func (v *Validator) ValidateFileTask(task *FileTask) error {
	if err := validateIdentifier(task.TableName, ErrMissingTableName, "tableName"); err != nil {
		return err
	}

	if strings.EqualFold(task.TableName, viewSuffix) {
		return invalidArgument(ErrInvalidIdentifier, "tableName \"view\" is reserved")
	}

	if !task.Operation.IsValid() {
		return invalidArgument(ErrInvalidFileOperation, string(task.Operation))
	}

	if strings.ContainsAny(task.FileName, `/\`) || task.FileName == "." || task.FileName == ".." {
		return invalidArgument(ErrInvalidFileName, task.FileName)
	}

	if task.Operation.HasUpload() {
		if strings.TrimSpace(task.FileName) == "" {
			return invalidArgument(ErrMissingFileName, task.TableName)
		}

		if task.Body == nil {
			return invalidArgument(ErrMissingBody, task.FileName)
		}
	} else if task.Body != nil {
		return invalidArgument(ErrUnexpectedBody, task.TableName)
	}

	return nil
}

func validateIdentifier(value string, missing error, field string) error {
	if value == "" {
		return invalidArgument(missing, "")
	}

	if !identifierPattern.MatchString(value) {
		return invalidArgument(ErrInvalidIdentifier, fmt.Sprintf("%s %q", field, value))
	}

	return nil
}

// Validate is shorthand for NewValidator().ValidateRequest(req).
func Validate(req *Request) error {
	return NewValidator().ValidateRequest(req)
}
