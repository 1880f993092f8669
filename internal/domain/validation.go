// Package domain holds the entities of the document-production pipeline:
// projects and their phases, licences, analysis jobs, accounts, workflow
// runs and sweep results, plus the typed payloads of the events that drive
// them.
package domain

import (
	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())
