// Package validator provides small declarative validation rules.
//
// A Rule couples a Check func with the field-level error reported when the
// check fails. Apply evaluates rules and aggregates failures into
// ValidationErrors, which implements error:
//
//	err := validator.Apply(
//	    validator.RequiredString("recipient_id", req.RecipientID),
//	    validator.RequiredSlice("channels", req.Channels),
//	)
//	if verrs := validator.ExtractValidationErrors(err); verrs != nil {
//	    // inspect verrs.Fields()
//	}
//
// Rules are stateless and safe for concurrent use.
package validator
