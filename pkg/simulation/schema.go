package simulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/scttfrdmn/aws-geos-chem-sub000/internal/assets/schemas"
)

// ErrSchemaValidation is wrapped by every SchemaErrors value.
var ErrSchemaValidation = errors.New("submission schema validation failed")

var (
	schemaOnce      sync.Once
	schemaValidator *schema.Validator
	schemaErr       error
)

// SchemaIssue is one schema finding.
type SchemaIssue struct {
	Pointer string
	Message string
}

func (i SchemaIssue) String() string {
	if i.Pointer == "" {
		return i.Message
	}
	return i.Pointer + ": " + i.Message
}

// SchemaErrors lists the schema findings for one document.
type SchemaErrors []SchemaIssue

func (e SchemaErrors) Error() string {
	msgs := make([]string, len(e))
	for i, issue := range e {
		msgs[i] = issue.String()
	}
	return "submission does not match schema: " + strings.Join(msgs, "; ")
}

func (e SchemaErrors) Unwrap() error { return ErrSchemaValidation }

// ValidateSubmissionJSON checks a JSON submission document against the
// embedded schema. Identifiers are checked here because they become
// object-storage key segments.
func ValidateSubmissionJSON(data []byte) error {
	v, err := submissionValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs SchemaErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, SchemaIssue{Pointer: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateSchema checks the decoded submission against the schema.
func (s *Submission) ValidateSchema() error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("serialize submission: %w", err)
	}
	return ValidateSubmissionJSON(data)
}

func submissionValidator() (*schema.Validator, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.SubmissionSchema) == 0 {
			schemaErr = errors.New("embedded submission schema is empty")
			return
		}
		schemaValidator, schemaErr = schema.NewValidator(schemasassets.SubmissionSchema)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile submission schema: %w", schemaErr)
		}
	})
	return schemaValidator, schemaErr
}
