// Package schemasassets provides embedded JSON schemas so validation works
// in installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// SubmissionSchema is the embedded simulation submission schema.
//
//go:embed submission.schema.json
var SubmissionSchema []byte
